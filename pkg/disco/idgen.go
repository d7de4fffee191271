package disco

import "github.com/google/uuid"

// IDGenerator produces random UUIDs. myId is fixed once at startup;
// keyId is regenerated on every publish.
type IDGenerator interface {
	NewID() uuid.UUID
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() uuid.UUID { return uuid.New() }

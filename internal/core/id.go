package core

import "github.com/google/uuid"

// NewID returns an opaque unique identifier.
func NewID() uuid.UUID { return uuid.New() }

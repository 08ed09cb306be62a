package notes

import "github.com/google/uuid"

// UUIDProvider issues time-ordered UUIDv7 note identifiers.
type UUIDProvider struct{}

// NewUUIDProvider constructs the default IDProvider.
func NewUUIDProvider() UUIDProvider {
	return UUIDProvider{}
}

// NewID returns a fresh UUIDv7 string.
func (UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

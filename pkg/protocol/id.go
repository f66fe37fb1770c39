package protocol

import gonanoid "github.com/matoous/go-nanoid/v2"

const idLength = 12

// NewID returns a short unique identifier for submissions, events and tool
// calls. Uniqueness within one process lifetime is all that is required.
func NewID() string {
	id, err := gonanoid.New(idLength)
	if err != nil {
		// gonanoid only fails when the platform RNG is broken; at that
		// point nothing in the process is trustworthy.
		panic(err)
	}
	return id
}

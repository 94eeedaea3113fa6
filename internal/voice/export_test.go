package voice

import "time"

// SetMetadataWriter replaces the metadata writer used by l.
func SetMetadataWriter(l *Library, fn func(path string, data []byte) error) {
	l.writeFile = fn
}

// SetIDGenerator replaces the voice id generator used by l.
func SetIDGenerator(l *Library, fn func() string) {
	l.newID = fn
}

// SetClock replaces the clock used by l.
func SetClock(l *Library, fn func() time.Time) {
	l.now = fn
}

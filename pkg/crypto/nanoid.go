package crypto

import (
	"crypto/rand"
	"errors"
	"math"
	"math/bits"
)

const (
	defaultAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	defaultIDSize   = 28 // Identity Toolkit local IDs are 28 characters
	minAlphabetSize = 8
	maxAlphabetSize = 255
)

var (
	ErrAlphabetTooLong  = errors.New("alphabet must contain no more than 255 characters")
	ErrAlphabetTooShort = errors.New("alphabet must contain at least 8 characters")
	ErrAlphabetNotASCII = errors.New("alphabet must contain only ASCII characters")
)

// IDGenerator produces random identifiers over a fixed ASCII alphabet using
// rejection sampling, so every character is equally likely
type IDGenerator struct {
	alphabet string
	mask     byte
	size     int
}

// NewIDGenerator returns a generator for ids of the given size. Empty alphabet
// or non-positive size fall back to the defaults.
func NewIDGenerator(alphabet string, size int) (*IDGenerator, error) {
	if alphabet == "" {
		alphabet = defaultAlphabet
	}
	if size <= 0 {
		size = defaultIDSize
	}

	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] > 127 {
			return nil, ErrAlphabetNotASCII
		}
	}
	if len(alphabet) > maxAlphabetSize {
		return nil, ErrAlphabetTooLong
	}
	if len(alphabet) < minAlphabetSize {
		return nil, ErrAlphabetTooShort
	}

	return &IDGenerator{
		alphabet: alphabet,
		mask:     byte(1<<bits.Len(uint(len(alphabet)-1)) - 1),
		size:     size,
	}, nil
}

// NewUID returns an id from the default generator
func NewUID() (string, error) {
	gen, _ := NewIDGenerator("", 0)
	return gen.Generate()
}

func (g *IDGenerator) Generate() (string, error) {
	step := int(math.Ceil(1.6 * float64(int(g.mask)*g.size) / float64(len(g.alphabet))))

	id := make([]byte, 0, g.size)
	buf := make([]byte, step)

	for len(id) < g.size {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			idx := b & g.mask
			if int(idx) >= len(g.alphabet) {
				continue
			}
			id = append(id, g.alphabet[idx])
			if len(id) == g.size {
				break
			}
		}
	}

	return string(id), nil
}

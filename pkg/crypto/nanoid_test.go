package crypto

import (
	"strings"
	"sync"
	"testing"
)

func TestNewIDGenerator_Validation(t *testing.T) {
	tests := []struct {
		name     string
		alphabet string
		wantErr  error
	}{
		{name: "default", alphabet: ""},
		{name: "hex", alphabet: "0123456789abcdef"},
		{name: "too short", alphabet: "abc", wantErr: ErrAlphabetTooShort},
		{name: "too long", alphabet: strings.Repeat("a", 256), wantErr: ErrAlphabetTooLong},
		{name: "non ascii", alphabet: "abcdefgé", wantErr: ErrAlphabetNotASCII},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := NewIDGenerator(test.alphabet, 0)
			if err != test.wantErr {
				t.Errorf("NewIDGenerator() error = %v, want %v", err, test.wantErr)
			}
		})
	}
}

// Requirement: Generated ids have the configured size and only use the alphabet.
func TestIDGenerator_Generate(t *testing.T) {
	tests := []struct {
		name     string
		alphabet string
		size     int
		wantLen  int
	}{
		{name: "defaults", wantLen: defaultIDSize},
		{name: "hex 32", alphabet: "0123456789abcdef", size: 32, wantLen: 32},
		{name: "odd alphabet", alphabet: "ABCDEFGHIJK", size: 10, wantLen: 10},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			gen, err := NewIDGenerator(test.alphabet, test.size)
			if err != nil {
				t.Fatalf("NewIDGenerator() error = %v", err)
			}
			alphabet := test.alphabet
			if alphabet == "" {
				alphabet = defaultAlphabet
			}

			// Act
			id, err := gen.Generate()

			// Assert
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if len(id) != test.wantLen {
				t.Errorf("len(id) = %d, want %d", len(id), test.wantLen)
			}
			for _, c := range id {
				if !strings.ContainsRune(alphabet, c) {
					t.Fatalf("id %q contains %q outside alphabet", id, c)
				}
			}
		})
	}
}

func TestNewUID_Unique(t *testing.T) {
	// Arrange
	const n = 500
	var (
		mu   sync.Mutex
		seen = make(map[string]bool, n)
		wg   sync.WaitGroup
	)

	// Act
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := NewUID()
			if err != nil {
				t.Errorf("NewUID() error = %v", err)
				return
			}
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Assert
	if len(seen) != n {
		t.Errorf("got %d unique ids, want %d", len(seen), n)
	}
}

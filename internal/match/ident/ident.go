// Package ident provides the identifier and join-code generators used by the
// match session core. Every generator satisfies Generator so the uniqueness
// strategy can be swapped without touching the store or coordinator.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultCodeAlphabet omits characters that are easy to confuse when a code is
// read aloud or typed (0/O, 1/I).
const DefaultCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeCharset holds every character a normalized join code may contain.
const CodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeLength is the join code length used when none is configured.
const DefaultCodeLength = 6

// Generator yields identifiers.
type Generator interface {
	Next() string
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func() string

// Next calls f.
func (f GeneratorFunc) Next() string { return f() }

// UUID returns a Generator producing random version 4 UUID strings.
func UUID() Generator {
	return GeneratorFunc(uuid.NewString)
}

// Sequence generates prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	prefix string
	n      atomic.Uint64
}

// NewSequence creates a monotonically increasing Generator.
//
// Postcondition: No two calls to Next on the same Sequence return the same value.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Next returns the next identifier in the sequence.
func (s *Sequence) Next() string {
	return fmt.Sprintf("%s%d", s.prefix, s.n.Add(1))
}

// Source produces uniformly distributed integers in [0, n).
type Source interface {
	Intn(n int) int
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(n int) int

// Intn calls f.
func (f SourceFunc) Intn(n int) int { return f(n) }

// CryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n); Intn panics when
// n <= 0 or the system entropy source fails.
func CryptoSource() Source {
	return SourceFunc(func(n int) int {
		if n <= 0 {
			panic("ident: Intn called with n <= 0")
		}
		v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
		if err != nil {
			panic("ident: crypto/rand failure: " + err.Error())
		}
		return int(v.Int64())
	})
}

// CodeGenerator produces short human-shareable join codes drawn from an alphabet.
// Codes are not unique on their own; callers retry on collision.
type CodeGenerator struct {
	src      Source
	alphabet []rune
	length   int
}

// NewCodeGenerator creates a CodeGenerator.
//
// Precondition: src must be non-nil; alphabet must pass ValidateAlphabet;
// length must be >= 1.
// Postcondition: Returns a generator whose codes are already normalized, or an error.
func NewCodeGenerator(src Source, alphabet string, length int) (*CodeGenerator, error) {
	if src == nil {
		return nil, errors.New("ident: code source must not be nil")
	}
	norm, err := parseAlphabet(alphabet)
	if err != nil {
		return nil, err
	}
	if length < 1 {
		return nil, fmt.Errorf("ident: code length must be >= 1, got %d", length)
	}
	return &CodeGenerator{src: src, alphabet: norm, length: length}, nil
}

// ValidateAlphabet reports whether alphabet can build join codes: once
// upper-cased it must hold at least two characters, all from CodeCharset and
// none repeated.
func ValidateAlphabet(alphabet string) error {
	_, err := parseAlphabet(alphabet)
	return err
}

func parseAlphabet(alphabet string) ([]rune, error) {
	norm := []rune(strings.ToUpper(alphabet))
	seen := make(map[rune]bool, len(norm))
	for _, r := range norm {
		if !strings.ContainsRune(CodeCharset, r) {
			return nil, fmt.Errorf("ident: code alphabet character %q is not an ASCII letter or digit", r)
		}
		if seen[r] {
			return nil, fmt.Errorf("ident: code alphabet has duplicate character %q", r)
		}
		seen[r] = true
	}
	if len(norm) < 2 {
		return nil, fmt.Errorf("ident: code alphabet must have at least 2 characters, got %d", len(norm))
	}
	return norm, nil
}

// Next returns a new random code.
func (g *CodeGenerator) Next() string {
	var b strings.Builder
	b.Grow(g.length)
	for i := 0; i < g.length; i++ {
		b.WriteRune(g.alphabet[g.src.Intn(len(g.alphabet))])
	}
	return b.String()
}

// Space returns the number of distinct codes the generator can produce, capped
// at the largest int.
func (g *CodeGenerator) Space() int {
	space := 1
	for i := 0; i < g.length; i++ {
		if space > int(^uint(0)>>1)/len(g.alphabet) {
			return int(^uint(0) >> 1)
		}
		space *= len(g.alphabet)
	}
	return space
}

// List replays a fixed list of values and then repeats the last one.
// It is meant for deterministic wiring in tests and tooling.
type List struct {
	mu     sync.Mutex
	values []string
	next   int
}

// NewList creates a List generator.
//
// Precondition: values must be non-empty.
func NewList(values ...string) *List {
	return &List{values: values}
}

// Next returns the next value in the list.
func (l *List) Next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.values[l.next]
	if l.next < len(l.values)-1 {
		l.next++
	}
	return v
}

// NormalizeCode returns the canonical form of a join code: surrounding
// whitespace removed and upper-cased.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

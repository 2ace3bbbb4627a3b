// Package uid allocates tracker identifiers: 11 characters, a letter followed
// by ten letters or digits.
package uid

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

const (
	letters  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanum = letters + "0123456789"

	Length = 11

	// maxDraws bounds redraws when a generated id was already issued.
	maxDraws = 8
)

// ErrExhausted is returned when no unused id could be drawn.
var ErrExhausted = errors.New("uid: could not draw an unused id")

// Source supplies ids generated by the target system.
type Source interface {
	GenerateIDs(ctx context.Context, n int) ([]string, error)
}

// Allocator hands out ids and never returns the same id twice within the
// process.
type Allocator struct {
	remote Source
	read   func([]byte) (int, error)

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewAllocator returns an allocator drawing ids from crypto/rand.
func NewAllocator() *Allocator {
	return &Allocator{read: rand.Read, issued: make(map[string]struct{})}
}

// NewRemoteAllocator returns an allocator asking src for every id.
func NewRemoteAllocator(src Source) *Allocator {
	a := NewAllocator()
	a.remote = src
	return a
}

func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for i := 0; i < maxDraws; i++ {
		id, err := a.draw(ctx)
		if err != nil {
			return "", err
		}
		if !Valid(id) {
			return "", fmt.Errorf("uid: malformed id %q", id)
		}
		a.mu.Lock()
		_, seen := a.issued[id]
		if !seen {
			a.issued[id] = struct{}{}
		}
		a.mu.Unlock()
		if !seen {
			return id, nil
		}
	}
	return "", ErrExhausted
}

func (a *Allocator) draw(ctx context.Context) (string, error) {
	if a.remote != nil {
		ids, err := a.remote.GenerateIDs(ctx, 1)
		if err != nil {
			return "", fmt.Errorf("uid: remote source: %w", err)
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("uid: remote source returned no ids")
		}
		return ids[0], nil
	}
	return a.generate()
}

func (a *Allocator) generate() (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, 32)
	for len(out) < Length {
		if _, err := a.read(buf); err != nil {
			return "", fmt.Errorf("uid: read random: %w", err)
		}
		for _, b := range buf {
			if len(out) == Length {
				break
			}
			set := alphanum
			if len(out) == 0 {
				set = letters
			}
			// Rejection sampling keeps the distribution uniform.
			limit := 256 - 256%len(set)
			if int(b) >= limit {
				continue
			}
			out = append(out, set[int(b)%len(set)])
		}
	}
	return string(out), nil
}

// Valid reports whether id has the tracker identifier shape.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 && !isLetter {
			return false
		}
		if !isLetter && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

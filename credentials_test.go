package quill

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCredential_Redaction(t *testing.T) {
	c := Credential("AIzaSyExampleKey1234")
	if c.Suffix() != "1234" {
		t.Errorf("unexpected suffix %q", c.Suffix())
	}
	if got := fmt.Sprintf("%v", c); got != "...1234" {
		t.Errorf("credential leaked through formatting: %q", got)
	}
	if Credential("abc").Suffix() != "abc" {
		t.Error("short credentials should be returned whole")
	}
}

func TestPool_RoundRobin(t *testing.T) {
	p := NewPool("a", "b", "c")

	var got []Credential
	for i := 0; i < 7; i++ {
		c, err := p.Next()
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		got = append(got, c)
	}
	want := []Credential{"a", "b", "c", "a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPool_DropsBlank(t *testing.T) {
	p := NewPool("", "  ", " key ")
	if p.Size() != 1 {
		t.Fatalf("expected 1 credential, got %d", p.Size())
	}
	c, _ := p.Next()
	if c != "key" {
		t.Errorf("expected trimmed credential, got %q", string(c))
	}
}

func TestPool_Empty(t *testing.T) {
	_, err := NewPool().Next()
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestPool_ConcurrentFairness(t *testing.T) {
	p := NewPool("a", "b", "c", "d")
	counts := make(map[Credential]int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := p.Next()
			mu.Lock()
			counts[c]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, c := range []Credential{"a", "b", "c", "d"} {
		if counts[c] != 100 {
			t.Errorf("credential %s handed out %d times, want 100", string(c), counts[c])
		}
	}
}

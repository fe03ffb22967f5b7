package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

func TestGetAnnotationsRequiresChapterID(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	_, err := e.GetAnnotations(context.Background(), memory.Tenant{UserID: "u", ProjectID: "p"}, "  ", "text")
	if !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

package chat

import (
	"context"
	"errors"
	"testing"
)

type listenRecorder struct {
	seen map[string]bool
}

func (l *listenRecorder) Listen(ch string) bool {
	if l.seen[ch] {
		return false
	}
	l.seen[ch] = true
	return true
}

func TestRefreshCoverage(t *testing.T) {
	l := &listenRecorder{seen: map[string]bool{}}
	db := ChannelSourceFunc(func(context.Context) ([]string, error) {
		return []string{"foo", "bar"}, nil
	})
	roles := ChannelSourceFunc(func(context.Context) ([]string, error) {
		return []string{"bar", "baz"}, nil
	})
	broken := ChannelSourceFunc(func(context.Context) ([]string, error) {
		return nil, errors.New("discord unavailable")
	})

	added, err := RefreshCoverage(context.Background(), l, db, broken, roles)
	if err == nil {
		t.Fatal("expected the failing source's error")
	}
	if added != 3 {
		t.Fatalf("added = %d, want 3", added)
	}

	added, err = RefreshCoverage(context.Background(), l, db, roles)
	if err != nil || added != 0 {
		t.Fatalf("second refresh: added=%d err=%v", added, err)
	}
}

func TestStartCoverageJobStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listenRecorder{seen: map[string]bool{}}
	done := make(chan struct{})
	go func() {
		StartCoverageJob(ctx, l, 0, ChannelSourceFunc(func(context.Context) ([]string, error) {
			return []string{"foo"}, nil
		}))
		close(done)
	}()
	cancel()
	<-done
}

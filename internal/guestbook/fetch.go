package guestbook

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

// Fetcher loads the full message list, newest first.
type Fetcher interface {
	Fetch(ctx context.Context) ([]messages.Message, error)
}

type FetcherFunc func(ctx context.Context) ([]messages.Message, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]messages.Message, error) {
	return f(ctx)
}

// Source is a named Fetcher inside a FetchChain.
type Source struct {
	Name    string
	Fetcher Fetcher
}

// TableSource reads straight from the remote table.
func TableSource(table messages.Table) Source {
	return Source{Name: "remote_table", Fetcher: FetcherFunc(table.List)}
}

// APISource reads through the server-mediated endpoint.
func APISource(api FallbackAPI) Source {
	return Source{Name: "api", Fetcher: FetcherFunc(api.List)}
}

// FetchChain asks each source in order and returns the first non-empty list. When every source
// answered but none had rows, the result is an empty list. When every source failed, the result
// is a *FetchError.
type FetchChain []Source

func (chain FetchChain) Fetch(ctx context.Context) ([]messages.Message, error) {
	var (
		failures  []error
		succeeded bool
	)
	for _, source := range chain {
		if source.Fetcher == nil {
			continue
		}
		list, err := source.Fetcher.Fetch(ctx)
		if err != nil {
			failures = append(failures, &FetchError{Source: source.Name, Err: err})
			continue
		}
		succeeded = true
		if len(list) > 0 {
			return list, nil
		}
	}
	if succeeded || len(failures) == 0 {
		return []messages.Message{}, nil
	}
	if len(failures) == 1 {
		return nil, failures[0]
	}
	return nil, &FetchError{Err: errors.Join(failures...)}
}

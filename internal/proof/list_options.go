package proof

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing proofs.
type SortOrder int

const (
	// SortByUpdatedDesc orders proofs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders proofs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how proofs are selected when querying the store.
type ListOptions struct {
	Limit            int
	Offset           int
	Wallet           string
	Statuses         []Status
	UpdatedGTE       int64
	UpdatedLTE       int64
	PublicOnly       bool
	DiscoverableOnly bool
	Verifier         string
	Order            SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Wallet = strings.ToLower(strings.TrimSpace(opts.Wallet))
	opts.Verifier = strings.TrimSpace(opts.Verifier)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of proofs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching proofs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithWallet filters proofs by the submitting wallet (case-insensitive).
func WithWallet(wallet string) ListOption {
	return func(opts *ListOptions) {
		opts.Wallet = wallet
	}
}

// WithStatuses filters proofs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUpdatedSince filters proofs updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters proofs updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithPublicOnly keeps only proofs that are not flagged private.
func WithPublicOnly() ListOption {
	return func(opts *ListOptions) {
		opts.PublicOnly = true
	}
}

// WithDiscoverableOnly keeps only proofs flagged discoverable.
func WithDiscoverableOnly() ListOption {
	return func(opts *ListOptions) {
		opts.DiscoverableOnly = true
	}
}

// WithVerifier keeps only proofs whose request includes the given verifier.
func WithVerifier(id string) ListOption {
	return func(opts *ListOptions) {
		opts.Verifier = id
	}
}

// WithSortOrder changes the returned order of proofs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts *ListOptions) matches(p *Proof) bool {
	if opts.Wallet != "" && strings.ToLower(p.Wallet) != opts.Wallet {
		return false
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && p.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && p.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.PublicOnly && p.Options.Private {
		return false
	}
	if opts.DiscoverableOnly && !p.Options.Discoverable {
		return false
	}
	if opts.Verifier != "" {
		found := false
		for _, id := range p.Verifiers {
			if id == opts.Verifier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

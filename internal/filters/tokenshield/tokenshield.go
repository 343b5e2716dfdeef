// Package tokenshield adapts ppomes-TokenShield/icap-server-go/main.go's
// fernet+MySQL card detokenization (lookupToken/detokenizeJSON) into a
// pipeline.Stage: the one concrete Content-Filter this core ships as a
// worked example of spec.md §4.6's black-box filter interface.
//
// Detokenization is scoped to a single chunk: a tok_* reference split across
// a chunk boundary will not be detected. This mirrors the realistic
// deployment shape (small JSON payloads that fit in one preview-sized
// chunk) rather than buffering the whole body, which would require
// per-transaction mutable state shared unsafely across the one Stage
// instance the server reuses for every connection (spec.md §5: a shared
// filter instance must be safe for concurrent use).
package tokenshield

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fernet/fernet-go"
	_ "github.com/go-sql-driver/mysql"

	"github.com/tokenshield/icap/internal/icaptypes"
)

var tokenPattern = regexp.MustCompile(`tok_[a-zA-Z0-9_\-]+`)

// Lookup resolves a token to its plaintext card number, or "" if the token
// is unknown/inactive. Swappable so the detokenization logic can be unit
// tested without a live MySQL connection.
type Lookup func(ctx context.Context, token string) (string, error)

// Stage is the pipeline.Stage implementation: it scans every body the
// pipeline streams to it (REQMOD and RESPMOD alike) for tok_* references and replaces each with the card number the Lookup
// resolves it to.
type Stage struct {
	lookup Lookup
	logger *slog.Logger
	db     *sql.DB // non-nil only when constructed via New; closed by Close
}

// Options configures a DB-backed Stage (New).
type Options struct {
	// DSN is a go-sql-driver/mysql data source name, e.g.
	// "user:pass@tcp(host:3306)/dbname".
	DSN string
	// EncryptionKey is the base64 URL-encoded Fernet key used to decrypt
	// the stored card ciphertext (same encoding ppomes-TokenShield uses).
	EncryptionKey string
	Logger        *slog.Logger
}

// New opens the MySQL connection and prepares the Fernet key, mirroring
// ppomes-TokenShield/icap-server-go/main.go's NewICAPServer.
func New(opts Options) (*Stage, error) {
	db, err := sql.Open("mysql", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("tokenshield: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenshield: pinging database: %w", err)
	}

	keyBytes, err := base64.URLEncoding.DecodeString(opts.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenshield: decoding encryption key: %w", err)
	}
	key := &fernet.Key{}
	copy(key[:], keyBytes)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Stage{
		lookup: dbLookup(db, key, logger),
		logger: logger,
		db:     db,
	}, nil
}

// NewWithLookup builds a Stage around an arbitrary Lookup, bypassing the
// database — used directly by tests.
func NewWithLookup(lookup Lookup, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{lookup: lookup, logger: logger}
}

// Close releases the underlying database connection, if any.
func (s *Stage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Stage) Name() string    { return "tokenshield" }
func (s *Stage) WantsBody() bool { return true }
func (s *Stage) Cancel()         {}

func (s *Stage) FilterRequestHeaders(ctx context.Context, headers *icaptypes.Headers) (icaptypes.Verdict, error) {
	return icaptypes.Allow(), nil
}

func (s *Stage) FilterResponseHeaders(ctx context.Context, reqHeaders, resHeaders *icaptypes.Headers) (icaptypes.Verdict, error) {
	return icaptypes.Allow(), nil
}

// FilterBodyChunk implements detokenizeJSON's replacement loop over one
// chunk: every tok_* match is resolved via Lookup and substituted in place.
func (s *Stage) FilterBodyChunk(ctx context.Context, chunk []byte, isFinal bool) (icaptypes.Verdict, error) {
	if len(chunk) == 0 {
		return icaptypes.Allow(), nil
	}

	result, modified, err := s.detokenize(ctx, string(chunk))
	if err != nil {
		return icaptypes.Verdict{}, err
	}
	if !modified {
		return icaptypes.Allow(), nil
	}
	return icaptypes.Modify(nil, []byte(result)), nil
}

func (s *Stage) detokenize(ctx context.Context, body string) (string, bool, error) {
	tokens := tokenPattern.FindAllString(body, -1)
	if len(tokens) == 0 {
		return body, false, nil
	}

	result := body
	modified := false
	for _, tok := range tokens {
		cardNumber, err := s.lookup(ctx, tok)
		if err != nil {
			return "", false, fmt.Errorf("tokenshield: looking up token %s: %w", tok, err)
		}
		if cardNumber == "" {
			continue
		}
		result = strings.ReplaceAll(result, tok, cardNumber)
		modified = true
	}
	return result, modified, nil
}

// dbLookup adapts lookupToken's query-then-decrypt shape into a Lookup.
func dbLookup(db *sql.DB, key *fernet.Key, logger *slog.Logger) Lookup {
	return func(ctx context.Context, token string) (string, error) {
		logger.Debug("looking up token", "token", token)

		var encrypted []byte
		err := db.QueryRowContext(ctx,
			"SELECT card_number_encrypted FROM credit_cards WHERE token = ? AND is_active = TRUE",
			token,
		).Scan(&encrypted)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", nil
			}
			return "", err
		}

		decrypted := fernet.VerifyAndDecrypt(encrypted, 0, []*fernet.Key{key})
		if decrypted == nil {
			return "", fmt.Errorf("tokenshield: failed to decrypt card number for token %s", token)
		}
		return string(decrypted), nil
	}
}

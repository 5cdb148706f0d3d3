package vector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(s)); m {
	case MetricCosine, MetricL2, MetricDot:
		return m, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Scope decides whether tenants share one index or get their own.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

type Spec struct {
	Name      string
	Dimension int
	Metric    Metric
}

type Record struct {
	ID            string
	Vector        []float32
	TenantID      string
	LibraryItemID string
	SequenceIndex int
	Text          string
}

// Index is a vector store that can be provisioned at runtime.
// Create must return an apperr conflict when the index already exists.
type Index interface {
	IndexName(tenantID string) string
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, spec Spec) error
	Upsert(ctx context.Context, name string, records []Record) error
	DeleteItem(ctx context.Context, name, tenantID, libraryItemID string) error
}

var recordNamespace = uuid.MustParse("7c0f6c1e-4f1a-4a63-9a57-3f1df2a6c1b4")

// RecordID is stable for a (tenant, item, sequence) triple so re-ingesting
// the same document overwrites rather than duplicates.
func RecordID(tenantID, libraryItemID string, seq int) string {
	return uuid.NewSHA1(recordNamespace, []byte(tenantID+"\x00"+libraryItemID+"\x00"+strconv.Itoa(seq))).String()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeTenant maps a tenant id onto [A-Za-z0-9_]. Ids that had to be rewritten
// get a short hash suffix so distinct tenants never collide.
func SafeTenant(tenantID string, maxLen int) string {
	safe := unsafeChars.ReplaceAllString(tenantID, "_")
	if safe == tenantID && len(safe) <= maxLen {
		return safe
	}
	sum := sha1.Sum([]byte(tenantID))
	suffix := hex.EncodeToString(sum[:4])
	if keep := maxLen - len(suffix) - 1; len(safe) > keep {
		safe = safe[:max(keep, 0)]
	}
	return safe + "_" + suffix
}

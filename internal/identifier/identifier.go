// Package identifier resolves warehouse object names into dataset and user
// URNs, and decides which datasets take part in lineage.
package identifier

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Platform is the data platform every dataset URN is minted for.
const Platform = "snowflake"

// DefaultEnv is the fabric used when none is configured.
const DefaultEnv = "PROD"

// Config controls how identifiers are normalized.
type Config struct {
	// Env is the environment segment of dataset URNs (PROD, DEV, ...).
	Env string
	// PlatformInstance, when set, prefixes every dataset identifier.
	PlatformInstance string
	// ConvertURNsToLowercase folds identifiers to lower case.
	ConvertURNsToLowercase bool
}

// Key is a stable text form of the settings that shape dataset URNs.
func (c Config) Key() string {
	env := c.Env
	if env == "" {
		env = DefaultEnv
	}
	return fmt.Sprintf("env=%s;instance=%s;lower=%t", env, c.PlatformInstance, c.ConvertURNsToLowercase)
}

// Resolver turns qualified warehouse names into identifiers and URNs.
type Resolver struct {
	cfg   Config
	lower cases.Caser
	upper cases.Caser
}

// NewResolver creates a Resolver. An empty Env falls back to DefaultEnv.
func NewResolver(cfg Config) *Resolver {
	if cfg.Env == "" {
		cfg.Env = DefaultEnv
	}
	return &Resolver{
		cfg:   cfg,
		lower: cases.Lower(language.Und),
		upper: cases.Upper(language.Und),
	}
}

// CleanupQualifiedName strips surrounding double quotes from each dotted part
// of a qualified name, so "DB"."SCH"."T" becomes DB.SCH.T.
func CleanupQualifiedName(qualifiedName string) string {
	parts := strings.Split(qualifiedName, ".")
	for i, part := range parts {
		if len(part) >= 2 && strings.HasPrefix(part, `"`) && strings.HasSuffix(part, `"`) {
			parts[i] = part[1 : len(part)-1]
		}
	}
	return strings.Join(parts, ".")
}

// Identifier applies the configured case folding to a single name.
func (r *Resolver) Identifier(name string) string {
	if r.cfg.ConvertURNsToLowercase {
		return r.lower.String(name)
	}
	return name
}

// DatasetIdentifier resolves a qualified object name into a dataset identifier.
func (r *Resolver) DatasetIdentifier(qualifiedName string) string {
	id := r.Identifier(CleanupQualifiedName(qualifiedName))
	if r.cfg.PlatformInstance != "" {
		return r.cfg.PlatformInstance + "." + id
	}
	return id
}

// DatasetURN builds the dataset URN for an already resolved identifier.
func (r *Resolver) DatasetURN(datasetID string) string {
	return fmt.Sprintf("urn:li:dataset:(urn:li:dataPlatform:%s,%s,%s)",
		Platform, datasetID, r.upper.String(r.cfg.Env))
}

// DatasetURNFromQualifiedName resolves and wraps a qualified object name.
func (r *Resolver) DatasetURNFromQualifiedName(qualifiedName string) string {
	return r.DatasetURN(r.DatasetIdentifier(qualifiedName))
}

// ColumnIdentifier applies case folding to a column name.
func (r *Resolver) ColumnIdentifier(column string) string {
	return r.Identifier(column)
}

// UserURN builds a corp-user URN from a warehouse user name.
func UserURN(userName string) string {
	return "urn:li:corpuser:" + userName
}

// DatasetIDFromURN extracts the dataset identifier from a dataset URN.
// It returns the input unchanged when it is not a dataset URN.
func DatasetIDFromURN(urn string) string {
	inner, ok := strings.CutPrefix(urn, "urn:li:dataset:(")
	if !ok {
		return urn
	}
	inner = strings.TrimSuffix(inner, ")")
	first := strings.Index(inner, ",")
	last := strings.LastIndex(inner, ",")
	if first < 0 || first == last {
		return urn
	}
	return inner[first+1 : last]
}

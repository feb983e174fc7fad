package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/relay/kv"
)

// VersionStatus is a workflow version's lifecycle state.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
	VersionArchived   VersionStatus = "archived"
)

// WorkflowVersion is an immutable snapshot of a workflow definition.
type WorkflowVersion struct {
	WorkflowID     string
	Version        string // semver
	Status         VersionStatus
	CreatedAt      time.Time
	Author         string
	Changelog      string
	WorkflowData   json.RawMessage
	Checksum       string
	ParentVersion  string
	Metadata       map[string]string
}

func versionKey(workflowID, version string) string { return fmt.Sprintf("workflow:%s:version:%s", workflowID, version) }
func activeKey(workflowID string) string            { return fmt.Sprintf("workflow:%s:active", workflowID) }
func versionsListKey(workflowID string) string      { return fmt.Sprintf("workflow:%s:versions", workflowID) }

func checksum(data json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals v with map keys sorted, matching the
// original's json.dumps(data, sort_keys=True) checksum input.
func canonicalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			b.Write(eb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(t)
	}
}

// isValidSemver accepts MAJOR.MINOR.PATCH with no leading zeros beyond "0".
func isValidSemver(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// VersionManager stores immutable workflow version snapshots and tracks
// which version is active per workflow id.
type VersionManager struct {
	store kv.Adapter
}

// NewVersionManager wraps store.
func NewVersionManager(store kv.Adapter) *VersionManager {
	return &VersionManager{store: store}
}

// CreateVersion validates the semver string, rejects a duplicate
// (workflow_id, version) pair, computes the checksum, and stores the
// version record. Versions are never mutated after creation.
func (m *VersionManager) CreateVersion(ctx context.Context, workflowID, version, author, changelog string, data json.RawMessage, parent string) (WorkflowVersion, error) {
	if !isValidSemver(version) {
		return WorkflowVersion{}, &ValidationError{Field: "version", Reason: "not a valid semver: " + version}
	}
	if _, ok, err := m.store.Get(ctx, versionKey(workflowID, version)); err != nil {
		return WorkflowVersion{}, err
	} else if ok {
		return WorkflowVersion{}, &ValidationError{Field: "version", Reason: "already exists: " + version}
	}

	sum, err := checksum(data)
	if err != nil {
		return WorkflowVersion{}, &ValidationError{Field: "workflow_data", Reason: "not valid JSON"}
	}

	wv := WorkflowVersion{
		WorkflowID:    workflowID,
		Version:       version,
		Status:        VersionDraft,
		CreatedAt:     time.Now(),
		Author:        author,
		Changelog:     changelog,
		WorkflowData:  data,
		Checksum:      sum,
		ParentVersion: parent,
	}

	encoded, err := json.Marshal(wv)
	if err != nil {
		return WorkflowVersion{}, err
	}
	if err := m.store.Set(ctx, versionKey(workflowID, version), string(encoded), 0); err != nil {
		return WorkflowVersion{}, err
	}
	if err := m.store.SAdd(ctx, versionsListKey(workflowID), version); err != nil {
		return WorkflowVersion{}, err
	}
	return wv, nil
}

// GetVersion fetches a stored version. The checksum of the returned
// WorkflowData always matches Checksum — nothing mutates a stored record.
func (m *VersionManager) GetVersion(ctx context.Context, workflowID, version string) (WorkflowVersion, bool, error) {
	raw, ok, err := m.store.Get(ctx, versionKey(workflowID, version))
	if err != nil || !ok {
		return WorkflowVersion{}, false, err
	}
	var wv WorkflowVersion
	if err := json.Unmarshal([]byte(raw), &wv); err != nil {
		return WorkflowVersion{}, false, err
	}
	return wv, true, nil
}

// SetActiveVersion is a single-writer operation pointing a workflow's
// active pointer at version. It does not mutate the version record.
func (m *VersionManager) SetActiveVersion(ctx context.Context, workflowID, version string) error {
	if _, ok, err := m.GetVersion(ctx, workflowID, version); err != nil {
		return err
	} else if !ok {
		return &ValidationError{Field: "version", Reason: "not found: " + version}
	}
	return m.store.Set(ctx, activeKey(workflowID), version, 0)
}

// GetActiveVersion returns the currently active version, if any.
func (m *VersionManager) GetActiveVersion(ctx context.Context, workflowID string) (WorkflowVersion, bool, error) {
	v, ok, err := m.store.Get(ctx, activeKey(workflowID))
	if err != nil || !ok {
		return WorkflowVersion{}, false, err
	}
	return m.GetVersion(ctx, workflowID, v)
}

// Rollback points the active pointer at previousVersion — literally
// SetActiveVersion by another name, kept distinct for call-site clarity.
func (m *VersionManager) Rollback(ctx context.Context, workflowID, previousVersion string) error {
	return m.SetActiveVersion(ctx, workflowID, previousVersion)
}

// ListVersions returns every version recorded for workflowID.
func (m *VersionManager) ListVersions(ctx context.Context, workflowID string) ([]string, error) {
	versions, err := m.store.SMembers(ctx, versionsListKey(workflowID))
	if err != nil {
		return nil, err
	}
	sort.Strings(versions)
	return versions, nil
}

// DeprecateVersion marks a version deprecated in place. This is the one
// permitted mutation on a version record — status only, never
// WorkflowData or Checksum — so immutability of content is preserved.
func (m *VersionManager) DeprecateVersion(ctx context.Context, workflowID, version string) error {
	wv, ok, err := m.GetVersion(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Field: "version", Reason: "not found: " + version}
	}
	wv.Status = VersionDeprecated
	encoded, err := json.Marshal(wv)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, versionKey(workflowID, version), string(encoded), 0)
}

// DiffEntry is one path-keyed change between two workflow versions.
type DiffEntry struct {
	Path     string
	Kind     string // "added", "removed", "modified"
	Breaking bool
}

// VersionComparison is the result of diffing two versions.
type VersionComparison struct {
	OldVersion      string
	NewVersion      string
	Changes         []DiffEntry
	BreakingChanges []DiffEntry
	Compatible      bool
}

// CompareVersions diffs two stored versions' WorkflowData structurally,
// path by path, classifying each difference as added/removed/modified.
// A type change at any path is always a breaking change.
func (m *VersionManager) CompareVersions(ctx context.Context, workflowID, oldVersion, newVersion string) (VersionComparison, error) {
	oldWV, ok, err := m.GetVersion(ctx, workflowID, oldVersion)
	if err != nil {
		return VersionComparison{}, err
	}
	if !ok {
		return VersionComparison{}, &ValidationError{Field: "old_version", Reason: "not found"}
	}
	newWV, ok, err := m.GetVersion(ctx, workflowID, newVersion)
	if err != nil {
		return VersionComparison{}, err
	}
	if !ok {
		return VersionComparison{}, &ValidationError{Field: "new_version", Reason: "not found"}
	}

	var oldData, newData any
	if err := json.Unmarshal(oldWV.WorkflowData, &oldData); err != nil {
		return VersionComparison{}, err
	}
	if err := json.Unmarshal(newWV.WorkflowData, &newData); err != nil {
		return VersionComparison{}, err
	}

	var changes []DiffEntry
	diffValues("", oldData, newData, &changes)

	var breaking []DiffEntry
	for _, c := range changes {
		if c.Breaking {
			breaking = append(breaking, c)
		}
	}

	return VersionComparison{
		OldVersion:      oldVersion,
		NewVersion:      newVersion,
		Changes:         changes,
		BreakingChanges: breaking,
		Compatible:      len(breaking) == 0,
	}, nil
}

func diffValues(path string, oldV, newV any, out *[]DiffEntry) {
	if oldV == nil && newV == nil {
		return
	}
	if oldV == nil {
		*out = append(*out, DiffEntry{Path: path, Kind: "added"})
		return
	}
	if newV == nil {
		*out = append(*out, DiffEntry{Path: path, Kind: "removed"})
		return
	}

	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		keys := make(map[string]struct{})
		for k := range oldMap {
			keys[k] = struct{}{}
		}
		for k := range newMap {
			keys[k] = struct{}{}
		}
		for k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			diffValues(childPath, oldMap[k], newMap[k], out)
		}
		return
	}

	typeChanged := fmt.Sprintf("%T", oldV) != fmt.Sprintf("%T", newV)
	if typeChanged {
		*out = append(*out, DiffEntry{Path: path, Kind: "modified", Breaking: true})
		return
	}

	oldJSON, _ := json.Marshal(oldV)
	newJSON, _ := json.Marshal(newV)
	if string(oldJSON) != string(newJSON) {
		*out = append(*out, DiffEntry{Path: path, Kind: "modified"})
	}
}

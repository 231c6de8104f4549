// Package wfsecurity implements SecurityManager (spec §4.4): per-user tool
// permissions, hourly rate limiting, content filtering, and a bounded audit
// log. Ported from workflow_security.py's WorkflowSecurityManager — the
// check-permission, check-rate-limit, check-sensitive-content, log pipeline
// in AuthorizeToolExecution below mirrors that file's
// authorize_tool_execution method step for step.
package wfsecurity

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/ids"
)

// PermissionLevel is the coarse grant a user holds for a tool.
type PermissionLevel string

const (
	PermissionNone  PermissionLevel = "none"
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

// maxAuditEntries bounds the in-memory audit log, matching the original's
// max_audit_entries = 10000.
const maxAuditEntries = 10000

// ToolPermission is one user's grant for one tool, including its own
// hourly rate-limit counter.
type ToolPermission struct {
	ToolName        string
	Level           PermissionLevel
	AllowedMethods  map[string]bool
	RateLimit       int // calls per hour, 0 = unlimited
	Expiry          *time.Time
	mu              sync.Mutex
	usageCount      int
	lastUsed        *time.Time
}

// IsValid reports whether the permission has not expired.
func (p *ToolPermission) IsValid(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Expiry == nil {
		return true
	}
	return now.Before(*p.Expiry)
}

// CanExecute reports whether method is allowed under this permission,
// ignoring rate limits (those are checked separately by RecordUsage).
func (p *ToolPermission) CanExecute(method string, now time.Time) bool {
	if !p.IsValid(now) {
		return false
	}
	if p.Level == PermissionNone {
		return false
	}
	if method != "" && len(p.AllowedMethods) > 0 && !p.AllowedMethods[method] {
		return false
	}
	return true
}

// RecordUsage records one call against the permission's hourly window,
// resetting the counter once an hour has elapsed since the last use —
// exactly the original's "reset usage count after 1 hour since last_used"
// semantics, not a fixed calendar-hour window.
func (p *ToolPermission) RecordUsage(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RateLimit > 0 && p.lastUsed != nil {
		if now.Sub(*p.lastUsed) < time.Hour {
			if p.usageCount >= p.RateLimit {
				return false
			}
		} else {
			p.usageCount = 0
		}
	}

	p.usageCount++
	lastUsed := now
	p.lastUsed = &lastUsed
	return true
}

// UserPermissions holds every ToolPermission for one user, plus a global
// level that short-circuits all per-tool checks when set to admin.
type UserPermissions struct {
	UserID              string
	GlobalLevel         PermissionLevel
	mu                  sync.RWMutex
	toolPermissions     map[string]*ToolPermission
	createdAt, updatedAt time.Time
}

func newUserPermissions(userID string, now time.Time) *UserPermissions {
	return &UserPermissions{
		UserID:          userID,
		GlobalLevel:     PermissionNone,
		toolPermissions: make(map[string]*ToolPermission),
		createdAt:       now,
		updatedAt:       now,
	}
}

func (u *UserPermissions) addToolPermission(perm *ToolPermission, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.toolPermissions[perm.ToolName] = perm
	u.updatedAt = now
}

func (u *UserPermissions) removeToolPermission(toolName string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.toolPermissions[toolName]; !ok {
		return false
	}
	delete(u.toolPermissions, toolName)
	u.updatedAt = now
	return true
}

// CanUseTool reports whether the user may invoke tool/method, ignoring
// rate limits. A GlobalLevel of admin always grants access.
func (u *UserPermissions) CanUseTool(toolName, method string, now time.Time) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.GlobalLevel == PermissionAdmin {
		return true
	}
	perm, ok := u.toolPermissions[toolName]
	if !ok {
		return false
	}
	return perm.CanExecute(method, now)
}

func (u *UserPermissions) recordToolUsage(toolName string, now time.Time) bool {
	u.mu.RLock()
	perm, ok := u.toolPermissions[toolName]
	u.mu.RUnlock()
	if !ok {
		return false
	}
	return perm.RecordUsage(now)
}

// AuditEntry is a single security event. IDs are ULIDs so entries sort
// chronologically without a separate timestamp comparison.
type AuditEntry struct {
	ID           string
	EventType    string
	UserID       string
	WorkflowID   string
	WorkflowMode string
	Details      map[string]any
	Timestamp    time.Time
}

// ToMap mirrors the original's to_dict(), used for log export.
func (e *AuditEntry) ToMap() map[string]any {
	return map[string]any{
		"id":            e.ID,
		"event_type":    e.EventType,
		"user_id":       e.UserID,
		"workflow_id":   e.WorkflowID,
		"workflow_mode": e.WorkflowMode,
		"details":       e.Details,
		"timestamp":     e.Timestamp.Format(time.RFC3339),
	}
}

// Manager is the SecurityManager: per-user permissions, a bounded audit
// log, and a content-filtering blocklist.
type Manager struct {
	mu              sync.Mutex
	userPermissions map[string]*UserPermissions
	auditLog        []*AuditEntry
	blockedPatterns map[string]bool
	now             func() time.Time
	auditCapacity   int
}

// defaultBlockedPatterns matches setup_default_filters() verbatim.
var defaultBlockedPatterns = []string{
	"password", "api_key", "secret_key", "private_key", "token", "credential",
}

// New creates a Manager with the default content-filter blocklist.
func New() *Manager {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Manager using now for all time-dependent checks,
// so tests can control rate-limit window boundaries deterministically.
func NewWithClock(now func() time.Time) *Manager {
	return NewWithOptions(now, maxAuditEntries)
}

// NewWithOptions creates a Manager with an explicit audit log capacity,
// letting deployments size the in-memory audit log via configuration
// instead of the maxAuditEntries default. auditCapacity <= 0 falls back
// to that default.
func NewWithOptions(now func() time.Time, auditCapacity int) *Manager {
	if auditCapacity <= 0 {
		auditCapacity = maxAuditEntries
	}
	m := &Manager{
		userPermissions: make(map[string]*UserPermissions),
		blockedPatterns: make(map[string]bool, len(defaultBlockedPatterns)),
		now:             now,
		auditCapacity:   auditCapacity,
	}
	for _, p := range defaultBlockedPatterns {
		m.blockedPatterns[p] = true
	}
	return m
}

// AddBlockedPattern extends the content-filter blocklist beyond the
// defaults (spec §4.4's "configurable blocklist").
func (m *Manager) AddBlockedPattern(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockedPatterns[strings.ToLower(pattern)] = true
}

func (m *Manager) getUserPermissions(userID string) *UserPermissions {
	// caller holds m.mu
	perms, ok := m.userPermissions[userID]
	if !ok {
		perms = newUserPermissions(userID, m.now())
		m.userPermissions[userID] = perms
	}
	return perms
}

// GrantToolPermission grants or replaces a user's permission for a tool.
func (m *Manager) GrantToolPermission(userID, toolName string, level PermissionLevel, allowedMethods []string, rateLimit int, expiry *time.Time) {
	m.mu.Lock()
	now := m.now()
	perms := m.getUserPermissions(userID)
	methods := make(map[string]bool, len(allowedMethods))
	for _, meth := range allowedMethods {
		methods[meth] = true
	}
	perm := &ToolPermission{
		ToolName:       toolName,
		Level:          level,
		AllowedMethods: methods,
		RateLimit:      rateLimit,
		Expiry:         expiry,
	}
	perms.addToolPermission(perm, now)
	m.mu.Unlock()

	m.logEvent("permission_granted", userID, "", "security", map[string]any{
		"tool_name":        toolName,
		"permission_level": string(level),
		"rate_limit":       rateLimit,
	})
}

// RevokeToolPermission removes a user's permission for a tool, returning
// whether one existed.
func (m *Manager) RevokeToolPermission(userID, toolName string) bool {
	m.mu.Lock()
	now := m.now()
	perms := m.getUserPermissions(userID)
	removed := perms.removeToolPermission(toolName, now)
	m.mu.Unlock()

	if removed {
		m.logEvent("permission_revoked", userID, "", "security", map[string]any{"tool_name": toolName})
	}
	return removed
}

// AuthorizeToolExecution runs the full check-permission, check-rate-limit,
// check-sensitive-content pipeline and logs the outcome, returning true
// only if every check passes.
func (m *Manager) AuthorizeToolExecution(userID, workflowID, workflowMode, toolName, method string, parameters map[string]any) bool {
	m.mu.Lock()
	now := m.now()
	perms := m.getUserPermissions(userID)
	m.mu.Unlock()

	if !perms.CanUseTool(toolName, method, now) {
		m.logEvent("tool_access_denied", userID, workflowID, workflowMode, map[string]any{
			"tool_name": toolName, "method": method, "reason": "insufficient_permissions",
		})
		return false
	}

	if !perms.recordToolUsage(toolName, now) {
		m.logEvent("tool_access_denied", userID, workflowID, workflowMode, map[string]any{
			"tool_name": toolName, "method": method, "reason": "rate_limit_exceeded",
		})
		return false
	}

	if len(parameters) > 0 && m.ContainsSensitiveContent(parameters) {
		m.logEvent("tool_access_denied", userID, workflowID, workflowMode, map[string]any{
			"tool_name": toolName, "method": method, "reason": "sensitive_content_detected",
		})
		return false
	}

	m.logEvent("tool_execution_authorized", userID, workflowID, workflowMode, map[string]any{
		"tool_name": toolName, "method": method,
	})
	return true
}

// ContainsSensitiveContent stringifies data (as JSON, lowercased) and
// substring-matches it against the blocklist, matching the original's
// json.dumps-then-substring approach.
func (m *Manager) ContainsSensitiveContent(data map[string]any) bool {
	encoded, err := json.Marshal(data)
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(encoded))

	m.mu.Lock()
	defer m.mu.Unlock()
	for pattern := range m.blockedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (m *Manager) logEvent(eventType, userID, workflowID, workflowMode string, details map[string]any) {
	entry := &AuditEntry{
		ID:           ids.New(),
		EventType:    eventType,
		UserID:       userID,
		WorkflowID:   workflowID,
		WorkflowMode: workflowMode,
		Details:      details,
		Timestamp:    m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, entry)
	if len(m.auditLog) > m.auditCapacity {
		m.auditLog = m.auditLog[1:]
	}
}

// AuditQuery filters GetAuditLog results.
type AuditQuery struct {
	UserID    string
	EventType string
	Hours     int
	Limit     int
}

// GetAuditLog returns matching entries, most recent first.
func (m *Manager) GetAuditLog(q AuditQuery) []*AuditEntry {
	hours := q.Hours
	if hours <= 0 {
		hours = 24
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*AuditEntry
	for i := len(m.auditLog) - 1; i >= 0; i-- {
		entry := m.auditLog[i]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if q.UserID != "" && entry.UserID != q.UserID {
			continue
		}
		if q.EventType != "" && entry.EventType != q.EventType {
			continue
		}
		matched = append(matched, entry)
		if len(matched) >= limit {
			break
		}
	}
	return matched
}

// SecurityStats summarizes recent audit activity.
type SecurityStats struct {
	TotalEvents           int
	DeniedAttempts        int
	AuthorizedExecutions  int
	TopUsers              []UserCount
	TopEvents             []EventCount
}

type UserCount struct {
	UserID string
	Count  int
}

type EventCount struct {
	EventType string
	Count     int
}

// GetSecurityStats aggregates audit entries from the last `hours` hours.
func (m *Manager) GetSecurityStats(hours int) SecurityStats {
	if hours <= 0 {
		hours = 24
	}
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	eventCounts := map[string]int{}
	userCounts := map[string]int{}
	total := 0
	for _, entry := range m.auditLog {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		total++
		eventCounts[entry.EventType]++
		userCounts[entry.UserID]++
	}
	if total == 0 {
		return SecurityStats{}
	}

	denied := 0
	for event, count := range eventCounts {
		if strings.Contains(event, "denied") {
			denied += count
		}
	}

	return SecurityStats{
		TotalEvents:          total,
		DeniedAttempts:       denied,
		AuthorizedExecutions: eventCounts["tool_execution_authorized"],
		TopUsers:             topN(userCounts, 5, func(k string, v int) UserCount { return UserCount{k, v} }),
		TopEvents:            topN(eventCounts, 5, func(k string, v int) EventCount { return EventCount{k, v} }),
	}
}

func topN[T any](counts map[string]int, n int, build func(string, int) T) []T {
	type pair struct {
		key   string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].count > pairs[j].count })
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]T, len(pairs))
	for i, p := range pairs {
		out[i] = build(p.key, p.count)
	}
	return out
}

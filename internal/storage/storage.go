// Package storage manages the on-disk layout of session data: one
// directory per character, graph and entity-mirror files per session, and
// the persistent mapping from character identity to directory.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	mappingFile   = "character_mappings.json"
	sessionsFile  = "sessions.json"
	charactersDir = "characters"
	testDir       = "test"
)

// SessionInfo describes one registered session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	CharacterKey  string    `json:"character_key"`
	CharacterName string    `json:"character_name"`
	CreatedAt     time.Time `json:"created_at"`
	IsTest        bool      `json:"is_test"`
}

// Manager owns the data directory. All methods are safe for concurrent
// use; registry mutations are flushed to disk immediately so mappings
// survive restarts.
type Manager struct {
	dataDir string

	mu       sync.RWMutex
	mappings map[string]string      // character key -> directory name
	sessions map[string]SessionInfo // session id -> info
}

// NewManager opens (creating if needed) the data directory and loads the
// persisted registries.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	m := &Manager{
		dataDir:  dataDir,
		mappings: make(map[string]string),
		sessions: make(map[string]SessionInfo),
	}
	if err := loadJSON(filepath.Join(dataDir, mappingFile), &m.mappings); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dataDir, sessionsFile), &m.sessions); err != nil {
		return nil, err
	}
	return m, nil
}

// unsafePathChars strips everything that is not filesystem-friendly.
var unsafePathChars = regexp.MustCompile(`[^a-z0-9_\-]+`)

// CharacterKey derives the stable mapping key for a character name.
func CharacterKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	key = unsafePathChars.ReplaceAllString(key, "")
	if key == "" {
		key = "unnamed"
	}
	return key
}

// RegisterCharacter records the character and session in the registries,
// allocating the character directory on first sight. Returns the mapping
// key.
func (m *Manager) RegisterCharacter(characterName, sessionID string, isTest bool) (string, error) {
	key := CharacterKey(characterName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappings[key]; !ok {
		m.mappings[key] = key
		if err := m.flushMappingsLocked(); err != nil {
			return "", err
		}
	}
	m.sessions[sessionID] = SessionInfo{
		SessionID:     sessionID,
		CharacterKey:  key,
		CharacterName: characterName,
		CreatedAt:     time.Now(),
		IsTest:        isTest,
	}
	if err := m.flushSessionsLocked(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.characterDirLocked(key, isTest), 0o755); err != nil {
		return "", fmt.Errorf("storage: create character dir: %w", err)
	}
	return key, nil
}

// CreateNewSession allocates a fresh session ID tied to an already
// registered character.
func (m *Manager) CreateNewSession(characterKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.mappings[characterKey]
	if !ok {
		return "", fmt.Errorf("storage: unknown character key %q", characterKey)
	}

	sessionID := fmt.Sprintf("session_%s_%s", dir, uuid.NewString()[:8])
	var name string
	for _, info := range m.sessions {
		if info.CharacterKey == characterKey {
			name = info.CharacterName
			break
		}
	}
	m.sessions[sessionID] = SessionInfo{
		SessionID:     sessionID,
		CharacterKey:  characterKey,
		CharacterName: name,
		CreatedAt:     time.Now(),
	}
	if err := m.flushSessionsLocked(); err != nil {
		return "", err
	}
	return sessionID, nil
}

// GraphPath returns the graph file path for a session. Test sessions live
// under a separate subtree so they can be wiped in one call.
func (m *Manager) GraphPath(sessionID string, isTest bool) string {
	return m.sessionFile(sessionID, isTest, "graph")
}

// EntitiesPath returns the entities-mirror file path for a session.
func (m *Manager) EntitiesPath(sessionID string, isTest bool) string {
	return m.sessionFile(sessionID, isTest, "entities")
}

func (m *Manager) sessionFile(sessionID string, isTest bool, kind string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := "unmapped"
	if info, ok := m.sessions[sessionID]; ok {
		if d, ok := m.mappings[info.CharacterKey]; ok {
			dir = d
		}
		isTest = isTest || info.IsTest
	}
	base := m.characterDirLocked(dir, isTest)
	return filepath.Join(base, fmt.Sprintf("%s_%s.json", kind, sessionID))
}

func (m *Manager) characterDirLocked(dir string, isTest bool) string {
	if isTest {
		return filepath.Join(m.dataDir, testDir, charactersDir, dir)
	}
	return filepath.Join(m.dataDir, charactersDir, dir)
}

// SessionInfo returns the registry record for a session.
func (m *Manager) SessionInfo(sessionID string) (SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[sessionID]
	return info, ok
}

// ListCharacters returns the known character keys, sorted.
func (m *Manager) ListCharacters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.mappings))
	for key := range m.mappings {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// ListSessions returns all registered sessions, newest first.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ClearTestData removes the test subtree and forgets its sessions.
func (m *Manager) ClearTestData() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.dataDir, testDir)); err != nil {
		return fmt.Errorf("storage: clear test data: %w", err)
	}
	for id, info := range m.sessions {
		if info.IsTest {
			delete(m.sessions, id)
		}
	}
	return m.flushSessionsLocked()
}

// ClearCharacterData removes a character's directories and forgets its
// sessions and mapping.
func (m *Manager) ClearCharacterData(characterKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.mappings[characterKey]
	if !ok {
		return fmt.Errorf("storage: unknown character key %q", characterKey)
	}
	for _, isTest := range []bool{false, true} {
		if err := os.RemoveAll(m.characterDirLocked(dir, isTest)); err != nil {
			return fmt.Errorf("storage: clear character data: %w", err)
		}
	}
	delete(m.mappings, characterKey)
	for id, info := range m.sessions {
		if info.CharacterKey == characterKey {
			delete(m.sessions, id)
		}
	}
	if err := m.flushMappingsLocked(); err != nil {
		return err
	}
	return m.flushSessionsLocked()
}

// Reinitialize drops the in-memory registries and reloads them from disk.
// Used by full resets.
func (m *Manager) Reinitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mappings = make(map[string]string)
	m.sessions = make(map[string]SessionInfo)
	if err := loadJSON(filepath.Join(m.dataDir, mappingFile), &m.mappings); err != nil {
		return err
	}
	return loadJSON(filepath.Join(m.dataDir, sessionsFile), &m.sessions)
}

func (m *Manager) flushMappingsLocked() error {
	return saveJSON(filepath.Join(m.dataDir, mappingFile), m.mappings)
}

func (m *Manager) flushSessionsLocked() error {
	return saveJSON(filepath.Join(m.dataDir, sessionsFile), m.sessions)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt registry should not brick the service; start fresh.
		slog.Warn("storage registry unreadable, starting empty",
			"file", filepath.Base(path), "error", err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

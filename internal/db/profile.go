package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/scanner"
)

var profileNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,63}$`)

// Profile is a named set of scanner settings.
type Profile struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Settings    scanner.Settings `json:"settings"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	LastUsedAt  *time.Time       `json:"last_used_at,omitempty"`
}

// ValidateProfileName rejects names that are empty, too long or start with
// punctuation.
func ValidateProfileName(name string) error {
	if !profileNameRE.MatchString(name) {
		return hwerr.InvalidArgument("invalid profile name %q", name)
	}
	return nil
}

const profileColumns = `name, description, settings_json, created_at, updated_at, last_used_at`

// ListProfiles returns every profile ordered by name.
func (db *DB) ListProfiles() ([]Profile, error) {
	rows, err := db.Query(`SELECT ` + profileColumns + ` FROM scan_profiles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GetProfile returns the named profile, or nil when it does not exist.
func (db *DB) GetProfile(name string) (*Profile, error) {
	row := db.QueryRow(`SELECT `+profileColumns+` FROM scan_profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile inserts or replaces the named profile. The settings are
// normalized before they are stored; created_at survives a replace.
func (db *DB) SaveProfile(name, description string, settings scanner.Settings) (*Profile, error) {
	if err := ValidateProfileName(name); err != nil {
		return nil, err
	}
	settings, err := settings.Normalize()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	now := time.Now().Unix()
	_, err = db.Exec(`
		INSERT INTO scan_profiles (name, description, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at`,
		name, description, string(data), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save profile %q: %w", name, err)
	}
	return db.GetProfile(name)
}

// DeleteProfile removes the named profile and reports whether it existed.
func (db *DB) DeleteProfile(name string) (bool, error) {
	res, err := db.Exec(`DELETE FROM scan_profiles WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchProfile records that the named profile was used to start a session.
func (db *DB) TouchProfile(name string, at time.Time) error {
	_, err := db.Exec(`UPDATE scan_profiles SET last_used_at = ? WHERE name = ?`, at.Unix(), name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (Profile, error) {
	var (
		p                Profile
		settingsJSON     string
		created, updated int64
		lastUsed         sql.NullInt64
	)
	if err := r.Scan(&p.Name, &p.Description, &settingsJSON, &created, &updated, &lastUsed); err != nil {
		return Profile{}, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
		return Profile{}, fmt.Errorf("profile %q has corrupt settings: %w", p.Name, err)
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0).UTC()
		p.LastUsedAt = &t
	}
	return p, nil
}

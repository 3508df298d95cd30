package classroom

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleGuest Role = "guest"
)

// Classroom is one shared workspace as recorded in the registry file. The
// registry is owned by the classroom collaborator; this package only reads it.
type Classroom struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructors  []string `json:"instructors"`
	Participants []string `json:"participants"`
	ArchivedBy   []string `json:"archived_by"`
	AccessCode   string   `json:"access_code"`
}

// Membership is a classroom as seen by one user.
type Membership struct {
	Classroom
	Role     Role
	Archived bool
}

// Registry reads the classroom registry file. Reads are never cached: mount
// topology must reflect the file as it is at spawn time.
type Registry struct {
	Path string
}

// ForUser returns every classroom the user belongs to, sorted by id for
// deterministic ordering. A missing registry file means no classrooms.
func (r Registry) ForUser(userID string) ([]Membership, error) {
	payload, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read classroom registry: %w", err)
	}

	entries := map[string]Classroom{}
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("parse classroom registry: %w", err)
	}

	var memberships []Membership
	for key, entry := range entries {
		if entry.ID == "" {
			entry.ID = key
		}

		var role Role
		switch {
		case contains(entry.Instructors, userID):
			role = RoleOwner
		case contains(entry.Participants, userID):
			role = RoleGuest
		default:
			continue
		}

		memberships = append(memberships, Membership{
			Classroom: entry,
			Role:      role,
			Archived:  contains(entry.ArchivedBy, userID),
		})
	}

	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].ID < memberships[j].ID
	})
	return memberships, nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Group is the configuration record for one user group: who may use
// the bot, which Drive folder their files land in, and which Apps
// Script deployment serves their spreadsheet.
type Group struct {
	ID           int
	AllowedUsers []int64
	RootFolderID string
	ScriptURL    string
	// SigningKey enables signed query parameters on backend requests
	// when non-empty. Deployments without API security leave it unset.
	SigningKey string
}

// Groups holds all configured groups, indexed by group ID.
type Groups struct {
	byID map[int]Group
}

// messageTemplates holds optional per-group text appended to the
// receipt confirmation message. {folder_url} is replaced with the
// user's Drive folder URL.
var messageTemplates = map[int]string{
	0: "*❗IMPORTANT*\n" +
		"Reply to THIS message to add Notes.\n\n" +
		"Add \"*MY*\" at the beginning for reimbursement, or \"*REP*\" for company spent reporting.\n" +
		"[Folder]({folder_url})",
}

// MessageTemplate returns the confirmation template for a group, or
// empty when the group has none.
func MessageTemplate(groupID int) string {
	return messageTemplates[groupID]
}

// LoadGroups reads the indexed group variables (ALLOWED_USERS_<n>,
// MAIN_FOLDER_ID_<n>, GOOGLE_SCRIPT_URL_<n>, SCRIPT_API_KEY_<n>) from
// the environment. Scanning stops at the first index with no
// ALLOWED_USERS entry. Every group must have a folder ID and a script
// URL; a group that names users but lacks either is a startup error
// rather than a silent runtime lookup failure.
func LoadGroups(getenv func(string) string) (*Groups, error) {
	groups := &Groups{byID: make(map[int]Group)}

	for n := 0; ; n++ {
		raw := getenv(fmt.Sprintf("ALLOWED_USERS_%d", n))
		if strings.TrimSpace(raw) == "" {
			break
		}

		users, err := parseUserList(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing ALLOWED_USERS_%d: %w", n, err)
		}

		g := Group{
			ID:           n,
			AllowedUsers: users,
			RootFolderID: strings.TrimSpace(getenv(fmt.Sprintf("MAIN_FOLDER_ID_%d", n))),
			ScriptURL:    strings.TrimSpace(getenv(fmt.Sprintf("GOOGLE_SCRIPT_URL_%d", n))),
			SigningKey:   strings.TrimSpace(getenv(fmt.Sprintf("SCRIPT_API_KEY_%d", n))),
		}
		if g.RootFolderID == "" {
			return nil, fmt.Errorf("group %d: MAIN_FOLDER_ID_%d is not set", n, n)
		}
		if g.ScriptURL == "" {
			return nil, fmt.Errorf("group %d: GOOGLE_SCRIPT_URL_%d is not set", n, n)
		}

		groups.byID[n] = g
	}

	if len(groups.byID) == 0 {
		return nil, fmt.Errorf("no user groups configured (set ALLOWED_USERS_0)")
	}

	return groups, nil
}

func parseUserList(raw string) ([]int64, error) {
	var users []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		users = append(users, id)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("empty user list")
	}
	return users, nil
}

// GroupFor returns the group the user belongs to. Group IDs are
// checked in ascending order so a user listed twice lands in the
// lowest-numbered group.
func (g *Groups) GroupFor(userID int64) (Group, bool) {
	for n := 0; n < len(g.byID); n++ {
		grp, ok := g.byID[n]
		if !ok {
			continue
		}
		for _, u := range grp.AllowedUsers {
			if u == userID {
				return grp, true
			}
		}
	}
	return Group{}, false
}

// IsAllowed reports whether the user belongs to any group.
func (g *Groups) IsAllowed(userID int64) bool {
	_, ok := g.GroupFor(userID)
	return ok
}

// Count returns the number of configured groups.
func (g *Groups) Count() int {
	return len(g.byID)
}

package model

// GroupPrefix is prepended to a group name to form its display name in
// presence lists.
const GroupPrefix = "#"

// Presence is one entry of a USERS record. Groups appear as pseudo-users
// with IsGroup set.
type Presence struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	IsGroup     bool   `json:"is_group,omitempty"`
}

// GroupPresence renders a group as a presence entry.
func GroupPresence(name string) Presence {
	return Presence{
		Username:    name,
		DisplayName: GroupPrefix + name,
		IsGroup:     true,
	}
}

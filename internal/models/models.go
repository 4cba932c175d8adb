// Package models holds the protocol's data types and error taxonomy.
package models

// Post is an immutable piece of authored content. Only the references to a
// post change after it is published.
type Post struct {
	ID         string   `json:"id"`
	Soul       string   `json:"soul"`
	Text       string   `json:"text"`
	Media      string   `json:"media,omitempty"`
	AuthorPub  string   `json:"authorPub"`
	Timestamp  int64    `json:"timestamp"`
	ReplyTo    string   `json:"replyTo,omitempty"`
	Author     *Profile `json:"author,omitempty"`
	Reposted   bool     `json:"reposted,omitempty"`
	RepostedBy string   `json:"repostedBy,omitempty"`
}

// PostReference is an index entry pointing at a post by hash.
type PostReference struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// Profile is a user's public, last-write-wins profile.
type Profile struct {
	Pub         string `json:"pub"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Bio         string `json:"bio,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// FollowEdge is one direction of a follow relation.
type FollowEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// Tag is a hashtag metadata node.
type Tag struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Result is returned by every mutating protocol operation.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
	Pruned  int    `json:"pruned,omitempty"`
}

// Failed builds a failed Result for err.
func Failed(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}

// Package models holds the durable entities of the reading companion:
// users, books, chapters, chunk references, embeddings, and concept
// clusters. Rows fetched through the persistence adapter are copied into
// these values; the core never retains database cursors.
package models

import "time"

// User is a stable identity with a verified email. Owns books, notes,
// and dialogs. Deletion cascades ownership-scoped rows.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Book is readable by its owner; a public book is readable anonymously
// but never writable cross-user.
type Book struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Title        string    `json:"title" db:"title"`
	Author       string    `json:"author" db:"author"`
	ChapterCount int       `json:"chapter_count" db:"chapter_count"`
	Public       bool      `json:"public" db:"public_flag"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ReadableBy reports whether the book can be read under the given user
// id. An empty id is an anonymous requester.
func (b *Book) ReadableBy(userID string) bool {
	if b.Public {
		return true
	}
	return userID != "" && b.OwnerID == userID
}

// Chapter indices of a book form a dense prefix 0..N-1.
type Chapter struct {
	ID        string `json:"id" db:"id"`
	BookID    string `json:"book_id" db:"book_id"`
	Idx       int    `json:"idx" db:"idx"`
	Title     string `json:"title" db:"title"`
	Text      string `json:"text" db:"text"`
	WordCount int    `json:"word_count" db:"word_count"`
}

// ChunkRef addresses a half-open [Start, End) slice of a chapter's text.
type ChunkRef struct {
	BookID     string `json:"book_id"`
	ChapterIdx int    `json:"chapter_idx"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// Valid reports whether the reference addresses a non-empty range inside
// a text of the given length.
func (r ChunkRef) Valid(textLen int) bool {
	return r.Start >= 0 && r.End > r.Start && r.End <= textLen
}

// Dialog is a chat transcript owned by a user; the core appends to it
// after a successful answer.
type Dialog struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	BookID    string    `json:"book_id" db:"book_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Message is a single dialog turn.
type Message struct {
	ID        string    `json:"id" db:"id"`
	DialogID  string    `json:"dialog_id" db:"dialog_id"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

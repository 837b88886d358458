package domain

import "time"

// MacroKind distinguishes aliases (macro bodies expanded into one or more
// command invocations) from snippets (literal reply text substituted for a
// short token).
type MacroKind string

const (
	MacroAlias   MacroKind = "alias"
	MacroSnippet MacroKind = "snippet"
)

// Macro is a stored alias or snippet definition.
type Macro struct {
	Name      string    `json:"name" gorm:"primaryKey;column:name"`
	Kind      MacroKind `json:"kind" gorm:"primaryKey;column:kind"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

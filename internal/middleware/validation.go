package middleware

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"
)

// AllowedExtensions lists the document types accepted for ingestion.
var AllowedExtensions = []string{".pdf", ".docx", ".doc", ".txt", ".md"}

// ValidateMessageContent validates chat message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// AllowedDocument reports whether filename has a supported extension.
func AllowedDocument(filename string) bool {
	return slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(filename)))
}

// ValidateFolderName validates a folder name.
func ValidateFolderName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("folder name cannot be empty")
	}
	if len(name) > 256 {
		return errors.New("folder name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("folder name must be valid UTF-8")
	}
	return nil
}

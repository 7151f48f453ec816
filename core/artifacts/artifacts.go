// Package artifacts implements the per-bot source tree on local storage:
// safe ingest of a single file or archive, path-traversal-safe extraction,
// and a readable mount root for the Sandbox Driver.
package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aureuma/botctl/core/apperr"
	"github.com/aureuma/botctl/core/registry"
)

// SourceType records what kind of payload was last ingested for a bot.
type SourceType string

const (
	SourceNone    SourceType = ""
	SourceFile    SourceType = "file"
	SourceArchive SourceType = "archive"
)

const gitkeep = ".gitkeep"

// Store persists bot source trees under a configurable base directory,
// one subdirectory per bot ID, mirroring the teacher's store.Open layout
// (base dir created on demand, 0o750 like a service-owned data directory).
type Store struct {
	basePath string
}

// New returns a Store rooted at basePath (default "/var/lib/bots").
func New(basePath string) *Store {
	if strings.TrimSpace(basePath) == "" {
		basePath = "/var/lib/bots"
	}
	return &Store{basePath: basePath}
}

// PathFor returns the canonical directory for botID, creating it if absent.
func (s *Store) PathFor(botID int64) (string, error) {
	dir := filepath.Join(s.basePath, fmt.Sprintf("%d", botID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperr.WrapInternal(err, "create artifact directory for bot %d", botID)
	}
	return dir, nil
}

// RemoveAll deletes a bot's entire artifact directory. Idempotent: a
// directory that doesn't exist counts as already removed.
func (s *Store) RemoveAll(botID int64) error {
	dir := filepath.Join(s.basePath, fmt.Sprintf("%d", botID))
	if err := os.RemoveAll(dir); err != nil {
		return apperr.WrapInternal(err, "remove artifact directory for bot %d", botID)
	}
	return nil
}

// IsEmpty reports whether the bot directory holds any user content,
// excluding the .gitkeep sentinel.
func (s *Store) IsEmpty(botID int64) (bool, error) {
	dir, err := s.PathFor(botID)
	if err != nil {
		return true, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true, apperr.WrapInternal(err, "read artifact directory for bot %d", botID)
	}
	for _, e := range entries {
		if e.Name() != gitkeep {
			return false, nil
		}
	}
	return true, nil
}

// clearExisting removes every entry in dir except the .gitkeep sentinel.
func clearExisting(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == gitkeep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// IngestFile replaces a bot's artifact directory with the payload read
// from r. filename is the client-supplied name (sanitized before use);
// runtime gates which extensions are acceptable. A name ending in .zip is
// treated as an archive and extracted; anything else is staged as a
// single file whose extension must be in the runtime's allow-list.
//
// The new content is staged into a sibling scratch directory, and the
// bot's directory is only touched after every check has passed, so a
// rejected upload leaves the previous files in place (spec.md's Open
// Question on this is resolved this way). The swap itself is not one
// atomic rename: it clears the old entries and then moves each staged
// entry in with its own os.Rename, so an I/O error part-way through the
// swap can leave the directory partly replaced.
func (s *Store) IngestFile(botID int64, desc registry.Descriptor, filename string, r io.Reader) (SourceType, string, error) {
	dir, err := s.PathFor(botID)
	if err != nil {
		return SourceNone, "", err
	}
	name := SanitizeFilename(filename)
	if name == "" {
		name = "upload"
	}

	scratch := dir + ".staging"
	if err := os.RemoveAll(scratch); err != nil {
		return SourceNone, "", apperr.WrapInternal(err, "clear staging directory for bot %d", botID)
	}
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return SourceNone, "", apperr.WrapInternal(err, "create staging directory for bot %d", botID)
	}
	defer os.RemoveAll(scratch)

	var sourceType SourceType
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		zipPath := filepath.Join(scratch, name)
		if err := writeFile(zipPath, r); err != nil {
			return SourceNone, "", apperr.WrapInternal(err, "save uploaded archive for bot %d", botID)
		}
		if err := extractZip(zipPath, scratch, desc); err != nil {
			return SourceNone, "", err
		}
		if err := os.Remove(zipPath); err != nil {
			return SourceNone, "", apperr.WrapInternal(err, "remove archive after extraction for bot %d", botID)
		}
		sourceType = SourceArchive
	} else {
		ext := fileExt(name)
		if !desc.Allowed(ext) {
			return SourceNone, "", apperr.Validation("file type %s not allowed for this runtime", ext)
		}
		if err := writeFile(filepath.Join(scratch, name), r); err != nil {
			return SourceNone, "", apperr.WrapInternal(err, "save uploaded file for bot %d", botID)
		}
		sourceType = SourceFile
	}

	if err := swapInPlace(dir, scratch); err != nil {
		return SourceNone, "", apperr.WrapInternal(err, "replace artifact directory for bot %d", botID)
	}
	return sourceType, name, nil
}

// swapInPlace clears dir (preserving .gitkeep) and moves every entry from
// scratch into dir. The emptied scratch directory is left for the caller
// to remove.
func swapInPlace(dir, scratch string) error {
	if err := clearExisting(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(scratch, e.Name())
		dst := filepath.Join(dir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// extractZip validates every member of the archive at zipPath before
// writing anything: absolute paths and ".." segments are rejected, and
// every non-directory member's extension (if any) must be in desc's
// allow-list. Only after every member passes both checks are files
// written under dest.
func extractZip(zipPath, dest string, desc registry.Descriptor) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return apperr.Validation("invalid zip file")
	}
	defer zr.Close()

	for _, member := range zr.File {
		if err := validateZipMember(member.Name, desc); err != nil {
			return err
		}
	}

	for _, member := range zr.File {
		if strings.HasSuffix(member.Name, "/") {
			if err := os.MkdirAll(filepath.Join(dest, filepath.FromSlash(member.Name)), 0o750); err != nil {
				return apperr.WrapInternal(err, "create directory from archive member %q", member.Name)
			}
			continue
		}
		if err := extractZipMember(member, dest); err != nil {
			return err
		}
	}
	return nil
}

func validateZipMember(name string, desc registry.Descriptor) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return apperr.Validation("invalid file path in archive: %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return apperr.Validation("invalid file path in archive: %q", name)
		}
	}
	if strings.HasSuffix(name, "/") {
		return nil
	}
	ext := fileExt(name)
	if !desc.Allowed(ext) {
		return apperr.Validation("file type %s not allowed for this runtime", ext)
	}
	return nil
}

// fileExt returns the extension of name's last path element, treating a
// dotfile such as ".env" as having no extension (filepath.Ext alone would
// report ".env").
func fileExt(name string) string {
	return filepath.Ext(strings.TrimLeft(filepath.Base(name), "."))
}

func extractZipMember(member *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(member.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return apperr.WrapInternal(err, "create directory for archive member %q", member.Name)
	}
	rc, err := member.Open()
	if err != nil {
		return apperr.Validation("invalid zip file")
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return apperr.WrapInternal(err, "write archive member %q", member.Name)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return apperr.WrapInternal(err, "write archive member %q", member.Name)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFilename strips directory components and dangerous characters
// from a client-supplied filename, producing a safe basename. It is
// idempotent: SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
func SanitizeFilename(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	name = unsafeChars.ReplaceAllString(name, "_")

	if len(name) > 255 {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if len(stem) > 250 {
			stem = stem[:250]
		}
		name = stem + ext
	}

	// An all-dots input (e.g. "..") collapses to "" above; filepath.Base("")
	// then returns "." on a second pass, breaking idempotence. Fix the point.
	if name == "" || name == "." {
		return "_"
	}
	return name
}

// dangerousStartCmdPatterns mirrors the deny-list in spec §4.2 verbatim.
var dangerousStartCmdPatterns = []*regexp.Regexp{
	regexp.MustCompile(`&&`),
	regexp.MustCompile(`\|\|`),
	regexp.MustCompile(`;`),
	regexp.MustCompile(`\|`),
	regexp.MustCompile(`>`),
	regexp.MustCompile(`<`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`(?i)bash`),
	regexp.MustCompile(`(?i)sh `),
	regexp.MustCompile(`(?i)/bin/`),
	regexp.MustCompile(`(?i)rm `),
	regexp.MustCompile(`(?i)dd `),
	regexp.MustCompile(`(?i)mkfs`),
	regexp.MustCompile(`(?is)curl.*\|`),
	regexp.MustCompile(`(?is)wget.*\|`),
}

// ValidateStartCommand rejects empty, over-long, or shell-injection-shaped
// start commands. Rejection is a hard error; no sanitization is attempted.
func ValidateStartCommand(cmd string) error {
	if cmd == "" {
		return apperr.Validation("start command must not be empty")
	}
	if len(cmd) > 500 {
		return apperr.Validation("start command must be 500 characters or fewer")
	}
	for _, pattern := range dangerousStartCmdPatterns {
		if pattern.MatchString(cmd) {
			return apperr.Validation("start command contains a disallowed pattern")
		}
	}
	return nil
}

var botNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// ValidateBotName enforces the 3-50 char, [A-Za-z0-9_-] bot name rule.
func ValidateBotName(name string) error {
	if !botNamePattern.MatchString(name) {
		return apperr.Validation("bot name must be 3-50 characters from [A-Za-z0-9_-]")
	}
	return nil
}

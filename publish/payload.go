// Package publish turns a validated skill payload into a pull request
// against the registry repository: the codec half normalizes and validates
// the inbound payload, the pipeline half drives the Git Data API.
package publish

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"

	"github.com/enskill/enskill-server/internal/apperrors"
)

// SkillManifestFile must be present in every published skill.
const SkillManifestFile = "SKILL.md"

// archiveVersion is the only accepted archive document version.
const archiveVersion = 1

var skillNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// SkillFile is one file of a skill bundle. Path is a normalized, relative,
// traversal-free POSIX path.
type SkillFile struct {
	Path    string
	Content []byte
}

// PublishRequest is the validated, normalized form of a publish payload.
type PublishRequest struct {
	Owner      string
	Repo       string
	BaseBranch string
	SkillName  string
	Files      []SkillFile
}

// Wire shapes. A skill carries either an explicit file list or a single
// compressed archive; exactly one of the two must be present.
type publishPayload struct {
	Registry registryPayload `json:"registry"`
	Skill    skillPayload    `json:"skill"`
}

type registryPayload struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	BaseBranch string `json:"baseBranch"`
}

type skillPayload struct {
	Name    string        `json:"name"`
	Files   []filePayload `json:"files,omitempty"`
	Archive *Archive      `json:"archive,omitempty"`
}

type filePayload struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// Archive is the compressed single-field payload shape: base64-wrapped
// brotli-compressed JSON listing the files.
type Archive struct {
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
	Content     string `json:"content"`
}

type archiveDocument struct {
	Version int           `json:"version"`
	Files   []filePayload `json:"files"`
}

// ParsePublishRequest decodes and validates a publish payload. Every
// failure is a ValidationError; nothing here touches the network.
func ParsePublishRequest(body []byte) (*PublishRequest, error) {
	var payload publishPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Validationf("request body must be valid JSON")
	}

	owner := strings.TrimSpace(payload.Registry.Owner)
	repo := strings.TrimSpace(payload.Registry.Repo)
	baseBranch := strings.TrimSpace(payload.Registry.BaseBranch)
	if owner == "" || repo == "" || baseBranch == "" {
		return nil, apperrors.Validationf("'registry.owner', 'registry.repo' and 'registry.baseBranch' are required")
	}

	skillName := strings.TrimSpace(payload.Skill.Name)
	if skillName == "" {
		return nil, apperrors.Validationf("'skill.name' is required")
	}
	if !skillNamePattern.MatchString(skillName) {
		return nil, apperrors.Validationf("skill.name %q is invalid; use lowercase letters, numbers, and hyphens", skillName)
	}

	var (
		entries []filePayload
		err     error
	)
	switch {
	case payload.Skill.Archive != nil && len(payload.Skill.Files) > 0:
		return nil, apperrors.Validationf("'skill.files' and 'skill.archive' are mutually exclusive")
	case payload.Skill.Archive != nil:
		entries, err = decodeArchive(payload.Skill.Archive)
		if err != nil {
			return nil, err
		}
	case len(payload.Skill.Files) > 0:
		entries = payload.Skill.Files
	default:
		return nil, apperrors.Validationf("'skill.files' must be a non-empty array")
	}

	files := make([]SkillFile, 0, len(entries))
	hasManifest := false
	for i, entry := range entries {
		file, err := decodeFileEntry(entry, i)
		if err != nil {
			return nil, err
		}
		if file.Path == SkillManifestFile {
			hasManifest = true
		}
		files = append(files, file)
	}
	if !hasManifest {
		return nil, apperrors.Validationf("skill.files must include %q", SkillManifestFile)
	}

	return &PublishRequest{
		Owner:      owner,
		Repo:       repo,
		BaseBranch: baseBranch,
		SkillName:  skillName,
		Files:      files,
	}, nil
}

func decodeFileEntry(entry filePayload, index int) (SkillFile, error) {
	normalized, err := normalizeRelativePath(entry.Path)
	if err != nil {
		return SkillFile{}, err
	}
	if entry.Encoding != "base64" {
		return SkillFile{}, apperrors.Validationf("skill.files[%d].encoding must be 'base64'", index)
	}
	if strings.TrimSpace(entry.Content) == "" {
		return SkillFile{}, apperrors.Validationf("skill.files[%d].content is required", index)
	}

	content, err := base64.StdEncoding.DecodeString(entry.Content)
	if err != nil {
		return SkillFile{}, apperrors.Validationf("skill.files[%d].content is not valid base64", index)
	}
	return SkillFile{Path: normalized, Content: content}, nil
}

func decodeArchive(archive *Archive) ([]filePayload, error) {
	if archive.Encoding != "base64" {
		return nil, apperrors.Validationf("skill.archive.encoding must be 'base64'")
	}
	if archive.Compression != "brotli" {
		return nil, apperrors.Validationf("skill.archive.compression must be 'brotli'")
	}

	compressed, err := base64.StdEncoding.DecodeString(archive.Content)
	if err != nil {
		return nil, apperrors.Validationf("skill.archive.content is not valid base64")
	}

	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, apperrors.Validationf("skill.archive.content is not a valid brotli stream")
	}

	var doc archiveDocument
	if err := json.Unmarshal(decompressed, &doc); err != nil {
		return nil, apperrors.Validationf("skill.archive must decompress to a JSON document")
	}
	if doc.Version != archiveVersion {
		return nil, apperrors.Validationf("skill.archive version %d is not supported", doc.Version)
	}
	if len(doc.Files) == 0 {
		return nil, apperrors.Validationf("skill.archive contains no files")
	}
	return doc.Files, nil
}

// normalizeRelativePath rejects absolute paths and any path that escapes
// the skill directory via ".." segments.
func normalizeRelativePath(input string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(input, `\`, "/"))
	if cleaned == "" || cleaned == "." {
		return "", apperrors.Validationf("skill file path cannot be empty")
	}
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperrors.Validationf("skill file path %q is invalid", input)
	}
	return cleaned, nil
}

// EncodeArchive packs a file set into the compressed archive payload shape.
// Decoding the result through ParsePublishRequest reproduces the identical
// file set.
func EncodeArchive(files []SkillFile) (*Archive, error) {
	doc := archiveDocument{Version: archiveVersion}
	for _, file := range files {
		doc.Files = append(doc.Files, filePayload{
			Path:     file.Path,
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString(file.Content),
		})
	}

	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "[EncodeArchive] marshal archive document")
	}

	var compressed bytes.Buffer
	writer := brotli.NewWriter(&compressed)
	if _, err := writer.Write(plain); err != nil {
		return nil, errors.Wrap(err, "[EncodeArchive] compress archive")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "[EncodeArchive] close compressor")
	}

	return &Archive{
		Encoding:    "base64",
		Compression: "brotli",
		Content:     base64.StdEncoding.EncodeToString(compressed.Bytes()),
	}, nil
}

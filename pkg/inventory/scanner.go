// Package inventory walks an analyzed project root and classifies each source
// file into an artifact kind for extractor dispatch.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// MaxClassifiableSize caps how much of a file is read for classification.
// Content heuristics only need the head of the file.
const MaxClassifiableSize = 256 * 1024

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	"node_modules": true,
	"target":       true,
	"build":        true,
	"dist":         true,
	".idea":        true,
}

// Scanner produces the ordered unit list for a project root.
type Scanner struct {
	logger *zap.Logger
}

// NewScanner creates a scanner.
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{logger: logger.Named("inventory")}
}

// Scan walks root and returns classified units in deterministic path order,
// plus classification diagnostics for files that could not be recognized.
// Same filesystem state yields an identical unit list and hashes.
func (s *Scanner) Scan(ctx context.Context, root string, kinds []models.ArtifactKind) ([]models.AnalysisUnit, []models.Diagnostic, error) {
	allowed := kindSet(kinds)

	var units []models.AnalysisUnit
	var diags []models.Diagnostic

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			diags = append(diags, models.NewDiagnostic(
				models.DiagClassificationFailure, rel, "read file: %v", err))
			return nil
		}

		kind := Classify(rel, content)
		if kind == models.ArtifactUnknown {
			if classifiableExtension(rel) {
				diags = append(diags, models.NewDiagnostic(
					models.DiagClassificationFailure, rel, "unrecognized artifact"))
			}
			return nil
		}
		if allowed != nil && !allowed[kind] {
			return nil
		}

		units = append(units, models.AnalysisUnit{
			Path:        rel,
			Kind:        kind,
			ContentHash: HashContent(content),
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Path < units[j].Path })

	s.logger.Info("Inventory scan complete",
		zap.String("root", root),
		zap.Int("units", len(units)),
		zap.Int("unclassified", len(diags)))

	return units, diags, nil
}

// HashContent returns the hex-encoded SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func kindSet(kinds []models.ArtifactKind) map[models.ArtifactKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[models.ArtifactKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// classifiableExtension reports whether an unknown file is worth a
// classification diagnostic. Binary blobs and build metadata are skipped
// silently; source-looking files are reported.
func classifiableExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".java", ".jsp", ".jspx", ".xml", ".sql", ".html", ".tag":
		return true
	}
	return false
}

// Classify determines the artifact kind from path and content heuristics.
// Classification is best-effort: a wrong answer costs one extractor
// diagnostic, never a failed run.
func Classify(path string, content []byte) models.ArtifactKind {
	head := content
	if len(head) > MaxClassifiableSize {
		head = head[:MaxClassifiableSize]
	}
	text := string(head)
	lower := strings.ToLower(path)
	ext := filepath.Ext(lower)

	switch ext {
	case ".jsp", ".jspx", ".tag":
		return models.ArtifactView
	case ".sql":
		return models.ArtifactSQL
	case ".xml":
		if isMapperXML(text) {
			return models.ArtifactMapper
		}
		return models.ArtifactUnknown
	case ".html":
		if underTemplatesDir(lower) && hasTemplateDirectives(text) {
			return models.ArtifactView
		}
		return models.ArtifactUnknown
	case ".java":
		return classifyJava(text)
	}
	return models.ArtifactUnknown
}

func classifyJava(text string) models.ArtifactKind {
	switch {
	case strings.Contains(text, "@Controller") || strings.Contains(text, "@RestController") ||
		strings.Contains(text, "@RequestMapping") || strings.Contains(text, "@GetMapping") ||
		strings.Contains(text, "@PostMapping"):
		return models.ArtifactController
	case strings.Contains(text, "@Service") || strings.Contains(text, "@Transactional"):
		return models.ArtifactService
	default:
		return models.ArtifactUnknown
	}
}

// isMapperXML detects MyBatis-style mapper documents: a <mapper> root with
// statement elements carrying id attributes.
func isMapperXML(text string) bool {
	if !strings.Contains(text, "<mapper") {
		return false
	}
	for _, tag := range []string{"<select", "<insert", "<update", "<delete", "<sql"} {
		if idx := strings.Index(text, tag); idx >= 0 {
			rest := text[idx:]
			end := strings.IndexByte(rest, '>')
			if end > 0 && strings.Contains(rest[:end], "id=") {
				return true
			}
		}
	}
	return false
}

func underTemplatesDir(lower string) bool {
	return strings.Contains(lower, "/templates/") || strings.Contains(lower, "/views/") ||
		strings.HasPrefix(lower, "templates/") || strings.HasPrefix(lower, "views/")
}

func hasTemplateDirectives(text string) bool {
	for _, marker := range []string{"${", "#{", "th:", "<%@", "<c:", "<jsp:"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

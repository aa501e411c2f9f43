package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// maxIncludeDepth bounds <include> expansion so a refid cycle cannot loop.
const maxIncludeDepth = 8

// statementElements are the mapper elements that define executable statements.
var statementElements = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
}

// MapperExtractor deterministically parses MyBatis-style mapper XML into
// MapperStatement nodes, assembled SqlStatement nodes, and Contains edges.
type MapperExtractor struct {
	logger *zap.Logger
}

// NewMapperExtractor creates the extractor.
func NewMapperExtractor(logger *zap.Logger) *MapperExtractor {
	return &MapperExtractor{logger: logger.Named("mapper-extractor")}
}

// Kind implements Extractor.
func (e *MapperExtractor) Kind() models.ArtifactKind { return models.ArtifactMapper }

// Extract parses the mapper document. A malformed document degrades to a
// single ExtractionFailure diagnostic; individually unparseable statements
// degrade per statement.
func (e *MapperExtractor) Extract(ctx context.Context, unit models.AnalysisUnit, content []byte, inv *InventoryContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := parseMapperDoc(content)
	if err != nil {
		return Failed(models.DiagExtractionFailure, unit.Path, "parse mapper xml: %v", err), nil
	}

	result := &Result{}
	prov := models.Provenance{UnitPath: unit.Path, Extractor: "mapper", RunID: inv.RunID}

	for _, stmt := range doc.statements {
		key := doc.qualify(stmt.id, unit.Path)

		assembled, err := doc.assemble(stmt, 0)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, models.NewDiagnostic(
				models.DiagExtractionFailure, unit.Path, "assemble statement %s: %v", key, err))
			continue
		}

		result.Facts.Nodes = append(result.Facts.Nodes, models.NodeFact{
			Kind:       models.NodeMapperStatement,
			NaturalKey: key,
			Attrs:      map[string]string{"command": stmt.command},
			Confidence: models.ConfidenceCertain,
			Provenance: prov,
		})

		sqlFacts, diags := StatementFacts(key, assembled, prov, e.logger)
		result.Facts.Merge(sqlFacts)
		result.Diagnostics = append(result.Diagnostics, diags...)
		if sqlFacts == nil {
			continue
		}

		result.Facts.Edges = append(result.Facts.Edges, models.EdgeFact{
			Kind:       models.EdgeContains,
			SourceKey:  models.NodeKey{Kind: models.NodeMapperStatement, NaturalKey: key},
			TargetKey:  &models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: key},
			Confidence: models.ConfidenceCertain,
			Provenance: prov,
		})
	}

	if len(doc.statements) == 0 {
		result.Diagnostics = append(result.Diagnostics, models.NewDiagnostic(
			models.DiagExtractionFailure, unit.Path, "mapper defines no statements"))
	}

	return result, nil
}

// mapperNode is one element or text run in the parsed document.
type mapperNode struct {
	element  string // empty for text nodes
	attrs    map[string]string
	text     string
	children []*mapperNode
}

type mapperStatement struct {
	id      string
	command string // select, insert, update, delete
	body    *mapperNode
}

type mapperDoc struct {
	namespace  string
	statements []*mapperStatement
	fragments  map[string]*mapperNode // <sql id=...> bodies
}

// qualify builds the statement's natural key: namespace-qualified when the
// mapper declares one, unit-scoped otherwise.
func (d *mapperDoc) qualify(id, unitPath string) string {
	if d.namespace != "" {
		return d.namespace + "." + id
	}
	return unitPath + "#" + id
}

func parseMapperDoc(content []byte) (*mapperDoc, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	// Legacy mapper files routinely carry non-UTF8 declarations and HTML
	// entities in comments.
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose
	decoder.Entity = xml.HTMLEntity

	doc := &mapperDoc{fragments: make(map[string]*mapperNode)}
	root, err := buildTree(decoder)
	if err != nil {
		return nil, err
	}
	mapper := findElement(root, "mapper")
	if mapper == nil {
		return nil, fmt.Errorf("no <mapper> root element")
	}
	doc.namespace = mapper.attrs["namespace"]

	for _, child := range mapper.children {
		switch {
		case child.element == "sql":
			if id := child.attrs["id"]; id != "" {
				doc.fragments[id] = child
			}
		case statementElements[child.element]:
			id := child.attrs["id"]
			if id == "" {
				return nil, fmt.Errorf("<%s> without id attribute", child.element)
			}
			doc.statements = append(doc.statements, &mapperStatement{
				id:      id,
				command: child.element,
				body:    child,
			})
		}
	}
	return doc, nil
}

// buildTree reads the full token stream into a tree rooted at a synthetic
// document node.
func buildTree(decoder *xml.Decoder) (*mapperNode, error) {
	root := &mapperNode{}
	stack := []*mapperNode{root}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &mapperNode{
				element: t.Name.Local,
				attrs:   make(map[string]string, len(t.Attr)),
			}
			for _, a := range t.Attr {
				node.attrs[a.Name.Local] = a.Value
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, node)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := string(t)
			if strings.TrimSpace(text) != "" {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, &mapperNode{text: text})
			}
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("unbalanced elements")
	}
	return root, nil
}

func findElement(node *mapperNode, name string) *mapperNode {
	for _, child := range node.children {
		if child.element == name {
			return child
		}
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}

// assemble flattens a statement body into statement text. Dynamic tags
// (<if>, <where>, <foreach>, <choose>, <trim>) contribute their contents;
// <include> expands the referenced <sql> fragment. The result is the
// statement skeleton: every branch's tables appear, which is exactly what
// impact analysis wants.
func (d *mapperDoc) assemble(stmt *mapperStatement, depth int) (string, error) {
	var b strings.Builder
	if err := d.flatten(stmt.body, &b, depth); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (d *mapperDoc) flatten(node *mapperNode, b *strings.Builder, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("include nesting exceeds %d levels", maxIncludeDepth)
	}

	for _, child := range node.children {
		switch {
		case child.element == "":
			b.WriteString(child.text)
			b.WriteByte(' ')
		case child.element == "include":
			refid := child.attrs["refid"]
			fragment, ok := d.fragments[stripNamespace(refid, d.namespace)]
			if !ok {
				return fmt.Errorf("unknown include refid %q", refid)
			}
			if err := d.flatten(fragment, b, depth+1); err != nil {
				return err
			}
		case child.element == "where":
			b.WriteString(" WHERE ")
			if err := d.flatten(child, b, depth); err != nil {
				return err
			}
		case child.element == "set":
			b.WriteString(" SET ")
			if err := d.flatten(child, b, depth); err != nil {
				return err
			}
		default:
			// if/foreach/choose/when/otherwise/trim/bind: take the contents
			// of every branch.
			if err := d.flatten(child, b, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func stripNamespace(refid, namespace string) string {
	if namespace != "" && strings.HasPrefix(refid, namespace+".") {
		return refid[len(namespace)+1:]
	}
	return refid
}

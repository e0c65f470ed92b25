package dynamodb

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docorm/pkg/docstore"
)

// maxInOperands is the service limit on operands of an IN comparison.
const maxInOperands = 100

// exprBuilder allocates expression placeholders. Names are reused per attribute; every
// value gets its own placeholder.
type exprBuilder struct {
	names   map[string]string
	values  map[string]types.AttributeValue
	aliases map[string]string
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:   make(map[string]string),
		values:  make(map[string]types.AttributeValue),
		aliases: make(map[string]string),
	}
}

// attr returns the placeholder of a single attribute name.
func (b *exprBuilder) attr(name string) string {
	if alias, ok := b.aliases[name]; ok {
		return alias
	}
	alias := "#n" + strconv.Itoa(len(b.aliases))
	b.aliases[name] = alias
	b.names[alias] = name
	return alias
}

// path returns the placeholder of a dotted field path.
func (b *exprBuilder) path(field string) string {
	parts := strings.Split(field, ".")
	for i, p := range parts {
		parts[i] = b.attr(p)
	}
	return strings.Join(parts, ".")
}

func (b *exprBuilder) value(av types.AttributeValue) string {
	placeholder := ":v" + strconv.Itoa(len(b.values))
	b.values[placeholder] = av
	return placeholder
}

func (b *exprBuilder) typeValue(t string) string {
	return b.value(&types.AttributeValueMemberS{Value: t})
}

func (b *exprBuilder) attributeNames() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) attributeValues() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

func (b *exprBuilder) encode(v any, now time.Time) (string, error) {
	av, err := encodeValue(v, now)
	if err != nil {
		return "", fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
	}
	return b.value(av), nil
}

func (b *exprBuilder) encodeAll(vals []any, now time.Time) ([]string, error) {
	out := make([]string, len(vals))
	for i, v := range vals {
		p, err := b.encode(v, now)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// compileCondition compiles one filter into a filter expression. Missing fields never
// match; != and not-in also exclude null. Array operators only match list attributes.
func compileCondition(b *exprBuilder, c condition, now time.Time) (string, error) {
	if c.field == "" {
		return "", fmt.Errorf("%w: empty field path", docstore.ErrInvalidQuery)
	}
	if err := docstore.CheckQueryValue(c.op, c.value); err != nil {
		return "", fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
	}

	p := b.path(c.field)
	if c.op.TakesSequence() {
		vals := docstore.Values(c.value)
		if len(vals) == 0 {
			return "", fmt.Errorf("%w: %s on %s requires at least one value", docstore.ErrInvalidQuery, c.op, c.field)
		}
		if len(vals) > maxInOperands {
			return "", fmt.Errorf("%w: %s on %s exceeds %d values", docstore.ErrInvalidQuery, c.op, c.field, maxInOperands)
		}
		placeholders, err := b.encodeAll(vals, now)
		if err != nil {
			return "", err
		}
		switch c.op {
		case docstore.OpIn:
			return fmt.Sprintf("%s IN (%s)", p, strings.Join(placeholders, ", ")), nil
		case docstore.OpNotIn:
			return fmt.Sprintf("(attribute_exists(%s) AND NOT attribute_type(%s, %s) AND NOT (%s IN (%s)))",
				p, p, b.typeValue("NULL"), p, strings.Join(placeholders, ", ")), nil
		default:
			terms := make([]string, len(placeholders))
			for i, v := range placeholders {
				terms[i] = fmt.Sprintf("contains(%s, %s)", p, v)
			}
			return fmt.Sprintf("(attribute_type(%s, %s) AND (%s))", p, b.typeValue("L"), strings.Join(terms, " OR ")), nil
		}
	}

	if c.value == nil {
		switch c.op {
		case docstore.OpEqual:
			return fmt.Sprintf("attribute_type(%s, %s)", p, b.typeValue("NULL")), nil
		case docstore.OpNotEqual:
			return fmt.Sprintf("(attribute_exists(%s) AND NOT attribute_type(%s, %s))", p, p, b.typeValue("NULL")), nil
		}
	}

	v, err := b.encode(c.value, now)
	if err != nil {
		return "", err
	}
	switch c.op {
	case docstore.OpEqual:
		return fmt.Sprintf("%s = %s", p, v), nil
	case docstore.OpNotEqual:
		return fmt.Sprintf("(attribute_exists(%s) AND NOT attribute_type(%s, %s) AND %s <> %s)",
			p, p, b.typeValue("NULL"), p, v), nil
	case docstore.OpLessThan, docstore.OpLessThanOrEqual, docstore.OpGreaterThan, docstore.OpGreaterThanOrEqual:
		return fmt.Sprintf("%s %s %s", p, c.op, v), nil
	case docstore.OpArrayContains:
		return fmt.Sprintf("(attribute_type(%s, %s) AND contains(%s, %s))", p, b.typeValue("L"), p, v), nil
	}
	return "", fmt.Errorf("%w: unsupported operator %s", docstore.ErrInvalidQuery, c.op)
}

// compileKeyCondition compiles a filter on the document id into a sort-key condition.
func compileKeyCondition(b *exprBuilder, c condition) (string, error) {
	id, ok := docstore.Normalize(c.value).(string)
	if !ok {
		return "", fmt.Errorf("%w: document id filters take a string, got %T", docstore.ErrInvalidQuery, c.value)
	}
	switch c.op {
	case docstore.OpEqual, docstore.OpLessThan, docstore.OpLessThanOrEqual,
		docstore.OpGreaterThan, docstore.OpGreaterThanOrEqual:
		op := string(c.op)
		if c.op == docstore.OpEqual {
			op = "="
		}
		return fmt.Sprintf("%s %s %s", b.attr(idAttr), op, b.value(&types.AttributeValueMemberS{Value: id})), nil
	}
	return "", fmt.Errorf("%w: operator %s is not supported on the document id", docstore.ErrInvalidQuery, c.op)
}

// updateExpression compiles a top-level merge into an update expression. The version
// attribute is always incremented.
func updateExpression(b *exprBuilder, data map[string]any, now time.Time) (string, error) {
	v := b.attr(versionAttr)
	sets := []string{fmt.Sprintf("%s = if_not_exists(%s, %s) + %s", v, v, b.value(numberAttr(0)), b.value(numberAttr(1)))}
	var removes []string
	for _, k := range slices.Sorted(maps.Keys(data)) {
		val := data[k]
		if k == "" {
			return "", fmt.Errorf("%w: empty field name", docstore.ErrInvalidValue)
		}
		if reserved(k) {
			return "", fmt.Errorf("%w: field name %s is reserved", docstore.ErrInvalidValue, k)
		}
		if val == docstore.DeleteField {
			removes = append(removes, b.attr(k))
			continue
		}
		av, err := encodeValue(val, now)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", b.attr(k), b.value(av)))
	}
	expr := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		expr += " REMOVE " + strings.Join(removes, ", ")
	}
	return expr, nil
}

package repository

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"

	"github.com/nimburion/docorm/pkg/docstore"
)

const tagName = "doc"

var (
	timeType      = reflect.TypeOf(time.Time{})
	referenceType = reflect.TypeOf(docstore.Reference{})
	geoPointType  = reflect.TypeOf(docstore.GeoPoint{})
	sentinelType  = reflect.TypeOf(docstore.Sentinel(0))
	subBinderType = reflect.TypeOf((*subCollectionBinder)(nil)).Elem()
	remainType    = reflect.TypeOf(map[string]any(nil))

	codecs       sync.Map // reflect.Type -> *entityCodec
	nestedFields sync.Map // reflect.Type -> []fieldInfo
)

type fieldInfo struct {
	// name is the document field name.
	name string
	// goName is the dotted Go field path, as expected by validator.StructPartial.
	goName    string
	index     []int
	offset    uintptr
	typ       reflect.Type
	omitEmpty bool
}

// entityCodec maps an entity struct to document data and back.
type entityCodec struct {
	typ        reflect.Type
	idIndex    []int
	idOffset   uintptr
	fields     []fieldInfo
	references []fieldInfo
	subs       []fieldInfo
	// remain collects the stored fields no other field declares.
	remain *fieldInfo
}

func codecFor(t reflect.Type) (*entityCodec, error) {
	if c, ok := codecs.Load(t); ok {
		return c.(*entityCodec), nil
	}
	c, err := buildCodec(t)
	if err != nil {
		return nil, err
	}
	actual, _ := codecs.LoadOrStore(t, c)
	return actual.(*entityCodec), nil
}

func buildCodec(t reflect.Type) (*entityCodec, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity %s must be a struct", t)
	}
	all := collectFields(t, nil, 0, "")
	c := &entityCodec{typ: t}
	seen := make(map[string]string, len(all))

	for _, f := range all {
		tag := parseTag(f.structField.Tag.Get(tagName))
		switch {
		case tag.id:
			if c.idIndex != nil {
				return nil, fmt.Errorf("entity %s declares more than one id field", t)
			}
			c.idIndex, c.idOffset = f.index, f.offset
			continue
		case f.typ.Implements(subBinderType):
			c.subs = append(c.subs, f.fieldInfo)
			continue
		case tag.remain:
			if f.typ != remainType {
				return nil, fmt.Errorf("entity %s: remain field %s must be a map[string]any", t, f.goName)
			}
			if c.remain != nil {
				return nil, fmt.Errorf("entity %s declares more than one remain field", t)
			}
			info := f.fieldInfo
			c.remain = &info
			continue
		}
		if f.name == docstore.IDField {
			if f.goName == "ID" && f.typ.Kind() == reflect.String && c.idIndex == nil && !hasTaggedID(all) {
				c.idIndex, c.idOffset = f.index, f.offset
				continue
			}
			return nil, fmt.Errorf("entity %s: field %s uses the reserved name %q", t, f.goName, docstore.IDField)
		}
		if other, dup := seen[f.name]; dup {
			return nil, fmt.Errorf("entity %s: fields %s and %s both map to %q", t, other, f.goName, f.name)
		}
		seen[f.name] = f.goName
		c.fields = append(c.fields, f.fieldInfo)
		if f.typ == referenceType || f.typ == reflect.PointerTo(referenceType) {
			c.references = append(c.references, f.fieldInfo)
		}
	}

	if c.idIndex == nil {
		return nil, fmt.Errorf("entity %s has no id field (add an ID string field or tag one with doc:\",id\")", t)
	}
	if idType := t.FieldByIndex(c.idIndex).Type; idType.Kind() != reflect.String {
		return nil, fmt.Errorf("entity %s: id field must be a string, got %s", t, idType)
	}
	return c, nil
}

func hasTaggedID(fields []collectedField) bool {
	for _, f := range fields {
		if parseTag(f.structField.Tag.Get(tagName)).id {
			return true
		}
	}
	return false
}

type docTag struct {
	name      string
	skip      bool
	omitEmpty bool
	id        bool
	remain    bool
}

func parseTag(raw string) docTag {
	if raw == "-" {
		return docTag{skip: true}
	}
	parts := strings.Split(raw, ",")
	tag := docTag{name: parts[0]}
	for _, opt := range parts[1:] {
		switch opt {
		case "omitempty":
			tag.omitEmpty = true
		case "id":
			tag.id = true
		case "remain":
			tag.remain = true
		}
	}
	return tag
}

type collectedField struct {
	fieldInfo
	structField reflect.StructField
}

// collectFields lists the exported fields of t, flattening untagged embedded structs.
func collectFields(t reflect.Type, index []int, base uintptr, goPrefix string) []collectedField {
	var out []collectedField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := parseTag(sf.Tag.Get(tagName))
		if tag.skip {
			continue
		}
		fieldIndex := append(append([]int(nil), index...), i)
		if sf.Anonymous && tag.name == "" && !tag.id && sf.Type.Kind() == reflect.Struct && !isValueType(sf.Type) {
			out = append(out, collectFields(sf.Type, fieldIndex, base+sf.Offset, goPrefix+sf.Name+".")...)
			continue
		}
		name := tag.name
		if name == "" {
			name = lowerCamel(sf.Name)
		}
		out = append(out, collectedField{
			fieldInfo: fieldInfo{
				name:      name,
				goName:    goPrefix + sf.Name,
				index:     fieldIndex,
				offset:    base + sf.Offset,
				typ:       sf.Type,
				omitEmpty: tag.omitEmpty,
			},
			structField: sf,
		})
	}
	return out
}

func fieldsOf(t reflect.Type) []fieldInfo {
	if fs, ok := nestedFields.Load(t); ok {
		return fs.([]fieldInfo)
	}
	collected := collectFields(t, nil, 0, "")
	fs := make([]fieldInfo, len(collected))
	for i, f := range collected {
		fs[i] = f.fieldInfo
	}
	actual, _ := nestedFields.LoadOrStore(t, fs)
	return actual.([]fieldInfo)
}

// isValueType reports whether t is stored as a single value rather than a map.
func isValueType(t reflect.Type) bool {
	switch t {
	case timeType, referenceType, geoPointType, sentinelType:
		return true
	}
	return false
}

func lowerCamel(s string) string {
	runes := []rune(s)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	if n > 1 && n < len(runes) {
		// keep the last capital of an acronym as the start of the next word: URLPath -> urlPath
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// fieldFilter decides whether a declared field is written.
type fieldFilter func(f fieldInfo, fv reflect.Value) bool

func skipOmitEmpty(f fieldInfo, fv reflect.Value) bool { return !f.omitEmpty || !fv.IsZero() }

func skipZero(_ fieldInfo, fv reflect.Value) bool { return !fv.IsZero() }

// encode converts the whole entity into document data. Zero omitempty fields are left out.
// The returned names are the Go paths of the written fields.
func (c *entityCodec) encode(v reflect.Value) (map[string]any, []string, error) {
	return c.encodeWith(v, skipOmitEmpty, func(string) bool { return true })
}

// encodePartial converts the fields an update writes. Without a mask every zero field is
// absent and keeps its stored value. A mask lists the fields to write, by document name or
// Go name, zero or not.
func (c *entityCodec) encodePartial(v reflect.Value, mask []string) (map[string]any, []string, error) {
	if len(mask) == 0 {
		return c.encodeWith(v, skipZero, func(string) bool { return true })
	}
	want := make(map[string]bool, len(mask))
	for _, name := range mask {
		if f, ok := c.field(name); ok {
			want[f.name] = true
			continue
		}
		if c.remain == nil || name == "" || name == docstore.IDField {
			return nil, nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidProperty, c.typ.Name(), name)
		}
		want[name] = true
	}
	return c.encodeWith(v,
		func(f fieldInfo, _ reflect.Value) bool { return want[f.name] },
		func(name string) bool { return want[name] })
}

func (c *entityCodec) encodeWith(v reflect.Value, keep fieldFilter, keepExtra func(string) bool) (map[string]any, []string, error) {
	v = reflect.Indirect(v)
	data := make(map[string]any, len(c.fields))
	written := make([]string, 0, len(c.fields))
	for _, f := range c.fields {
		fv := v.FieldByIndex(f.index)
		if !keep(f, fv) {
			continue
		}
		ev, err := encodeValue(fv)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", f.goName, err)
		}
		data[f.name] = ev
		written = append(written, f.goName)
	}
	if c.remain != nil {
		extra, _ := v.FieldByIndex(c.remain.index).Interface().(map[string]any)
		wroteExtra := false
		for name, raw := range extra {
			if name == docstore.IDField || name == "" {
				return nil, nil, fmt.Errorf("%w: field name %q is reserved", ErrInvalidValue, name)
			}
			if c.declares(name) || !keepExtra(name) {
				continue
			}
			ev, err := encodeValue(reflect.ValueOf(raw))
			if err != nil {
				return nil, nil, fmt.Errorf("field %s: %w", name, err)
			}
			data[name] = ev
			wroteExtra = true
		}
		if wroteExtra {
			written = append(written, c.remain.goName)
		}
	}
	return data, written, nil
}

// field finds a declared field by document name or Go name.
func (c *entityCodec) field(name string) (fieldInfo, bool) {
	for _, f := range c.fields {
		if f.name == name || f.goName == name {
			return f, true
		}
	}
	return fieldInfo{}, false
}

func (c *entityCodec) declares(name string) bool {
	for _, f := range c.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

func encodeValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(v.Elem())
	}
	if isValueType(v.Type()) {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Struct:
		fields := fieldsOf(v.Type())
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			fv := v.FieldByIndex(f.index)
			if f.omitEmpty && fv.IsZero() {
				continue
			}
			ev, err := encodeValue(fv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.goName, err)
			}
			m[f.name] = ev
		}
		return m, nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := range out {
			ev, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key must be a string, got %s", ErrInvalidValue, v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			ev, err := encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = ev
		}
		return out, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidValue, v.Type())
	}
	return v.Interface(), nil
}

// decode materializes a snapshot into a new entity with its id set from the storage key.
func (c *entityCodec) decode(snap docstore.Snapshot) (reflect.Value, error) {
	ptr := reflect.New(c.typ)
	data := snap.Data
	if len(c.subs) > 0 {
		data = make(map[string]any, len(snap.Data))
		for k, v := range snap.Data {
			if !c.isSubCollectionKey(k) {
				data[k] = v
			}
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: tagName,
		Squash:  true,
		Result:  ptr.Interface(),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(data); err != nil {
		return reflect.Value{}, &ValidationError{Entity: c.typ.Name(), Err: err}
	}
	c.setID(ptr, snap.ID)
	return ptr, nil
}

func (c *entityCodec) isSubCollectionKey(key string) bool {
	for _, s := range c.subs {
		if strings.EqualFold(key, s.name) || strings.EqualFold(key, s.goName) {
			return true
		}
	}
	return false
}

func (c *entityCodec) id(v reflect.Value) string {
	return reflect.Indirect(v).FieldByIndex(c.idIndex).String()
}

func (c *entityCodec) setID(v reflect.Value, id string) {
	reflect.Indirect(v).FieldByIndex(c.idIndex).SetString(id)
}

// FieldPath resolves a field selector to the document field name used in queries, so that
// property names are checked by the compiler:
//
//	repo.WhereEqualTo(repository.FieldPath(func(b *Band) any { return &b.FormationYear }), 1981)
//
// Nested struct fields resolve to dotted paths and the id field to docstore.IDField. An
// empty string is returned when the selector does not return a pointer to a field of T;
// query builders report it as ErrInvalidProperty.
func FieldPath[T any](selector func(*T) any) string {
	var zero T
	base := reflect.ValueOf(&zero)
	t := base.Elem().Type()
	if t.Kind() != reflect.Struct || selector == nil {
		return ""
	}
	p := reflect.ValueOf(selector(&zero))
	if p.Kind() != reflect.Pointer || p.IsNil() {
		return ""
	}
	start, addr := base.Pointer(), p.Pointer()
	if addr < start || addr >= start+t.Size() {
		return ""
	}
	offset, target := addr-start, p.Type().Elem()

	if c, err := codecFor(t); err == nil && offset == c.idOffset && target == t.FieldByIndex(c.idIndex).Type {
		return docstore.IDField
	}
	return fieldPathAt(t, offset, target)
}

func fieldPathAt(t reflect.Type, offset uintptr, target reflect.Type) string {
	fields := fieldsOf(t)
	for _, f := range fields {
		if f.offset == offset && f.typ == target {
			return f.name
		}
	}
	for _, f := range fields {
		if f.typ.Kind() != reflect.Struct || isValueType(f.typ) {
			continue
		}
		if offset >= f.offset && offset < f.offset+f.typ.Size() {
			if rest := fieldPathAt(f.typ, offset-f.offset, target); rest != "" {
				return f.name + "." + rest
			}
		}
	}
	return ""
}

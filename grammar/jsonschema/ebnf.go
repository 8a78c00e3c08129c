package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// converter handles JSON Schema to EBNF conversion with state.
type converter struct {
	root        *Schema
	definitions map[string]*Schema

	usedTypes map[string]bool
	rules     []string
	ruleNum   int
	defined   map[string]bool   // rule names already emitted
	refs      map[string]string // $ref path -> rule name
}

// EBNF converts a JSON Schema to an EBNF grammar whose start production is
// root. See Parse for the accepted inputs.
func EBNF(schema any) (string, error) {
	s, err := Parse(schema)
	if err != nil {
		return "", err
	}

	defs := make(map[string]*Schema, len(s.Defs)+len(s.Definitions))
	for k, v := range s.Definitions {
		defs["definitions/"+k] = v
	}
	for k, v := range s.Defs {
		defs["$defs/"+k] = v
	}

	c := &converter{
		root:        s,
		definitions: defs,
		usedTypes:   make(map[string]bool),
		defined:     make(map[string]bool),
		refs:        make(map[string]string),
	}
	return c.convert()
}

func (c *converter) convert() (string, error) {
	expr, err := c.schemaToExpr(c.root)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("root = ")
	b.WriteString(expr)
	b.WriteString(" .\n")

	for _, rule := range c.rules {
		b.WriteString(rule)
		b.WriteString("\n")
	}

	c.addPrimitives(&b)
	return b.String(), nil
}

func (c *converter) addRule(name, expr string) {
	c.rules = append(c.rules, fmt.Sprintf("%s = %s .", name, expr))
}

func (c *converter) newRule(prefix, expr string) string {
	c.ruleNum++
	name := fmt.Sprintf("%s%d", prefix, c.ruleNum)
	c.addRule(name, expr)
	return name
}

func (c *converter) use(types ...string) {
	for _, t := range types {
		c.usedTypes[t] = true
	}
}

// addPrimitives emits only the shared rules something referenced, since
// every production must be reachable from root.
func (c *converter) addPrimitives(b *strings.Builder) {
	u := c.usedTypes
	if u["value"] || u["object"] || u["array"] {
		for _, t := range []string{"value", "object", "array", "string", "number", "ws"} {
			u[t] = true
		}
		b.WriteString(`value = object | array | string | number | "true" | "false" | "null" .
object = "{" ws [ member { ws "," ws member } ws ] "}" .
member = string ws ":" ws value .
array = "[" ws [ value { ws "," ws value } ws ] "]" .
`)
	}

	if u["string"] {
		u["character"] = true
		b.WriteString(`string = "\"" { character } "\"" .` + "\n")
	}

	if u["character"] {
		u["hex"] = true
		b.WriteString(`character = unescaped | escaped .
unescaped = " " | "!" | "#" … "[" | "]" … "~" | "\u007f" … "\U0010ffff" .
escaped = "\\" ( "\"" | "\\" | "/" | "b" | "f" | "n" | "r" | "t" | "u" hex hex hex hex ) .
`)
	}

	if u["number"] {
		u["digit"], u["onenine"] = true, true
		b.WriteString(`number = [ "-" ] ( "0" | onenine { digit } ) [ "." digit { digit } ] [ ( "e" | "E" ) [ "+" | "-" ] digit { digit } ] .` + "\n")
	}

	if u["integer"] {
		u["digit"], u["onenine"] = true, true
		b.WriteString(`int = [ "-" ] ( "0" | onenine { digit } ) .` + "\n")
	}

	if u["digit"] {
		b.WriteString(`digit = "0" … "9" .` + "\n")
	}

	if u["onenine"] {
		b.WriteString(`onenine = "1" … "9" .` + "\n")
	}

	if u["hex"] {
		b.WriteString(`hex = "0" … "9" | "A" … "F" | "a" … "f" .` + "\n")
	}

	if u["emailchar"] {
		b.WriteString(`emailchar = "a" … "z" | "A" … "Z" | "0" … "9" | "." | "-" | "_" | "+" .` + "\n")
	}

	if u["ws"] {
		b.WriteString(`ws = { " " | "\t" | "\n" | "\r" } .` + "\n")
	}
}

func (c *converter) schemaToExpr(s *Schema) (string, error) {
	if s == nil {
		c.use("value")
		return "value", nil
	}

	if s.Ref != "" {
		return c.resolveRef(s.Ref)
	}

	if s.Const != nil {
		return literal(s.Const)
	}

	if len(s.Enum) > 0 {
		parts := make([]string, 0, len(s.Enum))
		for _, v := range s.Enum {
			lit, err := literal(v)
			if err != nil {
				return "", err
			}
			parts = append(parts, lit)
		}
		return "( " + strings.Join(parts, " | ") + " )", nil
	}

	if len(s.AnyOf) > 0 {
		return c.alternatives(s.AnyOf)
	}
	if len(s.OneOf) > 0 {
		return c.alternatives(s.OneOf)
	}
	if len(s.AllOf) == 1 {
		return c.schemaToExpr(s.AllOf[0])
	}

	types, err := s.Types()
	if err != nil {
		return "", err
	}

	switch len(types) {
	case 0:
		switch s.EffectiveType() {
		case "object":
			return c.objectToExpr(s)
		case "array":
			return c.arrayToExpr(s)
		default:
			c.use("value")
			return "value", nil
		}
	case 1:
		return c.typeToExpr(types[0], s)
	}

	parts := make([]string, 0, len(types))
	for _, t := range types {
		expr, err := c.typeToExpr(t, s)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return "( " + strings.Join(parts, " | ") + " )", nil
}

func (c *converter) alternatives(schemas []*Schema) (string, error) {
	parts := make([]string, 0, len(schemas))
	for _, s := range schemas {
		expr, err := c.schemaToExpr(s)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return "( " + strings.Join(parts, " | ") + " )", nil
}

func (c *converter) typeToExpr(typeName string, s *Schema) (string, error) {
	switch typeName {
	case "object":
		return c.objectToExpr(s)
	case "array":
		return c.arrayToExpr(s)
	case "string":
		return c.stringToExpr(s), nil
	case "number":
		c.use("number")
		return "number", nil
	case "integer":
		c.use("integer")
		return "int", nil
	case "boolean":
		return `( "true" | "false" )`, nil
	case "null":
		return `"null"`, nil
	default:
		return "", fmt.Errorf("invalid type declaration %q", typeName)
	}
}

func (c *converter) objectToExpr(s *Schema) (string, error) {
	if len(s.Properties) == 0 {
		if s.ClosedObject() {
			c.use("ws")
			return `"{" ws "}"`, nil
		}
		c.use("object")
		return "object", nil
	}

	c.use("ws")

	// Required properties come first, in their required order, followed
	// by optional ones sorted by name.
	var required, optional []string
	isRequired := make(map[string]bool)
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; ok && !isRequired[name] {
			isRequired[name] = true
			required = append(required, name)
		}
	}
	for name := range s.Properties {
		if !isRequired[name] {
			optional = append(optional, name)
		}
	}
	slices.Sort(optional)

	member := func(name string) (string, error) {
		expr, err := c.schemaToExpr(s.Properties[name])
		if err != nil {
			return "", err
		}
		key, err := literal(name)
		if err != nil {
			return "", err
		}
		return c.newRule("kv", key+` ws ":" ws `+expr), nil
	}

	var req, opt []string
	for _, name := range required {
		rule, err := member(name)
		if err != nil {
			return "", err
		}
		req = append(req, rule)
	}
	for _, name := range optional {
		rule, err := member(name)
		if err != nil {
			return "", err
		}
		opt = append(opt, rule)
	}

	var b strings.Builder
	b.WriteString(`"{" ws `)
	if len(req) > 0 {
		b.WriteString(strings.Join(req, ` ws "," ws `))
		for _, rule := range opt {
			fmt.Fprintf(&b, ` [ ws "," ws %s ]`, rule)
		}
		b.WriteString(` ws "}"`)
		return b.String(), nil
	}

	// Without required properties any ordered subset may appear, so branch
	// on the first one present.
	alts := make([]string, len(opt))
	for i, rule := range opt {
		parts := []string{rule}
		for _, rest := range opt[i+1:] {
			parts = append(parts, fmt.Sprintf(`[ ws "," ws %s ]`, rest))
		}
		alts[i] = strings.Join(parts, " ")
	}
	fmt.Fprintf(&b, `[ ( %s ) ws ] "}"`, strings.Join(alts, " | "))
	return b.String(), nil
}

func (c *converter) arrayToExpr(s *Schema) (string, error) {
	c.use("ws")

	item, open, err := s.ItemSchema()
	if err != nil {
		return "", err
	}

	itemRule := func() (string, error) {
		expr, err := c.schemaToExpr(item)
		if err != nil {
			return "", err
		}
		return c.newRule("item", expr), nil
	}

	if len(s.PrefixItems) > 0 {
		parts := make([]string, 0, len(s.PrefixItems))
		for _, p := range s.PrefixItems {
			expr, err := c.schemaToExpr(p)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		tuple := `"[" ws ` + strings.Join(parts, ` ws "," ws `)

		// a tuple is closed unless items says otherwise
		if open && s.Items != nil {
			rule, err := itemRule()
			if err != nil {
				return "", err
			}
			tuple += fmt.Sprintf(` { ws "," ws %s }`, rule)
		}
		return tuple + ` ws "]"`, nil
	}

	if !open || (s.MaxItems != nil && *s.MaxItems <= 0) {
		return `"[" ws "]"`, nil
	}

	rule, err := itemRule()
	if err != nil {
		return "", err
	}
	return arrayWithBounds(rule, s.MinItems, s.MaxItems), nil
}

func arrayWithBounds(itemRule string, minItems, maxItems *int) string {
	lo, hi := 0, -1
	if minItems != nil {
		lo = max(*minItems, 0)
	}
	if maxItems != nil {
		hi = *maxItems
	}

	var parts []string
	for i := 0; i < lo; i++ {
		if i > 0 {
			parts = append(parts, `ws "," ws`)
		}
		parts = append(parts, itemRule)
	}

	switch {
	case hi < 0 && lo > 0:
		parts = append(parts, fmt.Sprintf(`{ ws "," ws %s }`, itemRule))
	case hi < 0:
		parts = append(parts, fmt.Sprintf(`%s { ws "," ws %s }`, itemRule, itemRule))
	default:
		// optional items up to hi, each nested in the previous
		var tail string
		for i := hi - 1; i >= lo; i-- {
			sep := `ws "," ws `
			if i == 0 {
				sep = ""
			}
			tail = strings.TrimSpace(fmt.Sprintf(`[ %s%s %s ]`, sep, itemRule, tail))
		}
		if tail != "" {
			parts = append(parts, tail)
		}
	}

	if lo == 0 {
		return fmt.Sprintf(`"[" ws [ %s ws ] "]"`, strings.Join(parts, " "))
	}
	return fmt.Sprintf(`"[" ws %s ws "]"`, strings.Join(parts, " "))
}

func (c *converter) stringToExpr(s *Schema) string {
	if s.Format != "" {
		if expr, ok := c.formatToExpr(s.Format); ok {
			return expr
		}
	}

	if s.Pattern != "" {
		if expr, ok := c.patternToExpr(s.Pattern); ok {
			return expr
		}
	}

	c.use("string")
	return "string"
}

func (c *converter) formatToExpr(format string) (string, bool) {
	var body string
	switch format {
	case "date":
		c.use("digit")
		body = `digit digit digit digit "-" digit digit "-" digit digit`
	case "time":
		c.use("digit")
		body = `digit digit ":" digit digit ":" digit digit [ "." digit { digit } ]`
	case "date-time":
		c.use("digit")
		body = `digit digit digit digit "-" digit digit "-" digit digit "T" digit digit ":" digit digit ":" digit digit [ "." digit { digit } ] ( "Z" | ( "+" | "-" ) digit digit ":" digit digit )`
	case "uuid":
		c.use("hex")
		body = `hex hex hex hex hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex hex hex hex hex hex hex hex hex`
	case "email":
		c.use("emailchar")
		body = `emailchar { emailchar } "@" emailchar { emailchar } "." emailchar { emailchar }`
	case "ipv4":
		c.use("digit")
		octet := `digit [ digit [ digit ] ]`
		body = strings.Join([]string{octet, octet, octet, octet}, ` "." `)
	default:
		return "", false
	}

	name := strings.ReplaceAll(format, "-", "")
	if !c.defined[name] {
		c.defined[name] = true
		c.addRule(name, `"\"" `+body+` "\""`)
	}
	return name, true
}

func (c *converter) resolveRef(ref string) (string, error) {
	if ref == "#" {
		return "root", nil
	}

	path, ok := strings.CutPrefix(ref, "#/")
	if !ok {
		return "", fmt.Errorf("unsupported $ref %q", ref)
	}

	def, ok := c.definitions[path]
	if !ok {
		return "", fmt.Errorf("unresolved $ref %q", ref)
	}

	if name, ok := c.refs[path]; ok {
		return name, nil
	}

	c.ruleNum++
	name := fmt.Sprintf("def%d_%s", c.ruleNum, ruleName(path[strings.IndexByte(path, '/')+1:]))
	c.refs[path] = name

	expr, err := c.schemaToExpr(def)
	if err != nil {
		return "", err
	}
	c.addRule(name, expr)
	return name, nil
}

// ruleName maps an arbitrary definition name onto an EBNF identifier.
func ruleName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "_%x_", r)
		}
	}
	return b.String()
}

// literal renders v as an EBNF token matching its compact JSON encoding.
func literal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("invalid literal %v: %w", v, err)
	}
	return strconv.Quote(strings.TrimSuffix(buf.String(), "\n")), nil
}

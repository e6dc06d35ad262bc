package scanner

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 本文件实现YARA规则的一个无cgo子集编译器:
// strings段支持文本串(nocase/ascii/wide修饰)、十六进制串(?? 通配)和正则串,
// condition段支持 any/all/N of them 以及标识符的and/or组合。
// 超出子集的规则在编译期报错并被跳过。

type stringKind int

const (
	kindText stringKind = iota
	kindHex
	kindRegex
)

type compiledString struct {
	ID     string
	Kind   stringKind
	Text   []byte
	NoCase bool
	Hex    []int16 // 字节值, -1表示??通配
	Re     *regexp.Regexp
}

type condKind int

const (
	condAnyOf condKind = iota
	condAllOf
	condNOf
	condExpr // 标识符的and/or表达式
)

type condition struct {
	Kind  condKind
	N     int
	IDs   []string
	AllOf bool // condExpr时: true=and, false=or
}

// CompiledRule 编译后的单条规则
type CompiledRule struct {
	Name    string
	Tags    []string
	Strings []compiledString
	Cond    condition
}

// Ruleset 一组编译后的规则
type Ruleset struct {
	Rules []CompiledRule
}

// Match 一条规则的命中结果
type Match struct {
	Rule        string
	Tags        []string
	Identifiers []string
}

var (
	ruleHeadRe   = regexp.MustCompile(`(?m)^\s*(?:private\s+)?rule\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?::\s*([A-Za-z0-9_ \t]+))?\s*\{`)
	textStringRe = regexp.MustCompile(`^\$([A-Za-z0-9_]*)\s*=\s*"((?:[^"\\]|\\.)*)"\s*(.*)$`)
	hexStringRe  = regexp.MustCompile(`^\$([A-Za-z0-9_]*)\s*=\s*\{([^}]*)\}\s*$`)
	reStringRe   = regexp.MustCompile(`^\$([A-Za-z0-9_]*)\s*=\s*/(.+)/([a-z]*)\s*$`)
	nOfThemRe    = regexp.MustCompile(`^(\d+)\s+of\s+them$`)
)

// CompileRules 编译规则集合, key为规则来源名。单条规则语法错误只影响该条,
// 返回的Ruleset包含全部编译成功的规则; 全部失败时返回错误。
func CompileRules(sources map[string]string) (*Ruleset, map[string]error) {
	rs := &Ruleset{}
	failed := make(map[string]error)
	for name, src := range sources {
		rules, err := compileSource(src)
		if err != nil {
			failed[name] = err
			continue
		}
		rs.Rules = append(rs.Rules, rules...)
	}
	return rs, failed
}

func compileSource(src string) ([]CompiledRule, error) {
	if !strings.Contains(src, "rule ") {
		return nil, fmt.Errorf("no rule definition found")
	}
	heads := ruleHeadRe.FindAllStringSubmatchIndex(src, -1)
	if len(heads) == 0 {
		return nil, fmt.Errorf("invalid rule syntax")
	}

	var rules []CompiledRule
	for _, head := range heads {
		name := src[head[2]:head[3]]
		var tags []string
		if head[4] >= 0 {
			tags = strings.Fields(src[head[4]:head[5]])
		}
		body, err := extractBody(src, head[1]-1)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rule, err := compileBody(name, tags, body)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// extractBody 从开括号位置提取到配对的闭括号
func extractBody(src string, open int) (string, error) {
	depth := 0
	for i := open; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[open+1 : i], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced braces")
}

func compileBody(name string, tags []string, body string) (CompiledRule, error) {
	rule := CompiledRule{Name: name, Tags: tags}

	strSection := sectionOf(body, "strings")
	condSection := sectionOf(body, "condition")
	if condSection == "" {
		return rule, fmt.Errorf("missing condition section")
	}

	for _, line := range strings.Split(strSection, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		cs, err := compileString(line)
		if err != nil {
			return rule, err
		}
		rule.Strings = append(rule.Strings, cs)
	}

	cond, err := compileCondition(strings.TrimSpace(condSection), rule.Strings)
	if err != nil {
		return rule, err
	}
	rule.Cond = cond
	return rule, nil
}

// sectionOf 提取形如 "strings:" 的段内容, 到下一个段或body结束
func sectionOf(body, section string) string {
	idx := strings.Index(body, section+":")
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(section)+1:]
	for _, next := range []string{"strings:", "condition:", "meta:"} {
		if next == section+":" {
			continue
		}
		if j := strings.Index(rest, next); j >= 0 {
			rest = rest[:j]
		}
	}
	return rest
}

func compileString(line string) (compiledString, error) {
	if m := textStringRe.FindStringSubmatch(line); m != nil {
		mods := m[3]
		text, err := unescapeText(m[2])
		if err != nil {
			return compiledString{}, err
		}
		cs := compiledString{ID: "$" + m[1], Kind: kindText, Text: text}
		if strings.Contains(mods, "nocase") {
			cs.NoCase = true
			cs.Text = bytes.ToLower(cs.Text)
		}
		return cs, nil
	}
	if m := hexStringRe.FindStringSubmatch(line); m != nil {
		pattern, err := parseHexPattern(m[2])
		if err != nil {
			return compiledString{}, err
		}
		return compiledString{ID: "$" + m[1], Kind: kindHex, Hex: pattern}, nil
	}
	if m := reStringRe.FindStringSubmatch(line); m != nil {
		expr := m[2]
		if strings.Contains(m[3], "i") || strings.Contains(m[3], "nocase") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return compiledString{}, fmt.Errorf("invalid regex string: %w", err)
		}
		return compiledString{ID: "$" + m[1], Kind: kindRegex, Re: re}, nil
	}
	return compiledString{}, fmt.Errorf("unsupported string definition: %s", line)
}

func unescapeText(s string) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("trailing escape")
		}
		switch s[i] {
		case 'n':
			out.WriteByte('\n')
		case 't':
			out.WriteByte('\t')
		case 'r':
			out.WriteByte('\r')
		case '"', '\\':
			out.WriteByte(s[i])
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("invalid \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid \\x escape: %w", err)
			}
			out.WriteByte(byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unsupported escape \\%c", s[i])
		}
	}
	return out.Bytes(), nil
}

func parseHexPattern(s string) ([]int16, error) {
	var pattern []int16
	for _, tok := range strings.Fields(s) {
		if tok == "??" {
			pattern = append(pattern, -1)
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", tok)
		}
		pattern = append(pattern, int16(v))
	}
	if len(pattern) == 0 {
		return nil, fmt.Errorf("empty hex string")
	}
	return pattern, nil
}

func compileCondition(cond string, strs []compiledString) (condition, error) {
	cond = strings.Join(strings.Fields(cond), " ") // 压缩空白
	switch cond {
	case "any of them":
		return condition{Kind: condAnyOf}, nil
	case "all of them":
		return condition{Kind: condAllOf}, nil
	case "true":
		return condition{Kind: condNOf, N: 0}, nil
	}
	if m := nOfThemRe.FindStringSubmatch(cond); m != nil {
		n, _ := strconv.Atoi(m[1])
		return condition{Kind: condNOf, N: n}, nil
	}

	// 标识符的纯and或纯or组合
	known := make(map[string]bool, len(strs))
	for _, cs := range strs {
		known[cs.ID] = true
	}
	for _, op := range []string{" and ", " or "} {
		if !strings.Contains(cond, op) && len(strings.Fields(cond)) > 1 {
			continue
		}
		parts := strings.Split(cond, op)
		valid := true
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if !strings.HasPrefix(parts[i], "$") || !known[parts[i]] {
				valid = false
				break
			}
		}
		if valid {
			return condition{Kind: condExpr, IDs: parts, AllOf: op == " and "}, nil
		}
	}
	return condition{}, fmt.Errorf("unsupported condition: %s", cond)
}

// MatchBytes 在数据上匹配全部规则
func (rs *Ruleset) MatchBytes(data []byte) []Match {
	var matches []Match
	lowered := bytes.ToLower(data)
	for _, rule := range rs.Rules {
		hit := make(map[string]bool)
		var hitIDs []string
		for _, cs := range rule.Strings {
			if cs.match(data, lowered) {
				hit[cs.ID] = true
				hitIDs = append(hitIDs, cs.ID)
			}
		}
		if rule.Cond.satisfied(hit, len(rule.Strings)) {
			matches = append(matches, Match{Rule: rule.Name, Tags: rule.Tags, Identifiers: hitIDs})
		}
	}
	return matches
}

func (cs *compiledString) match(data, lowered []byte) bool {
	switch cs.Kind {
	case kindText:
		if cs.NoCase {
			return bytes.Contains(lowered, cs.Text)
		}
		return bytes.Contains(data, cs.Text)
	case kindRegex:
		return cs.Re.Match(data)
	case kindHex:
		return matchHex(data, cs.Hex)
	}
	return false
}

func matchHex(data []byte, pattern []int16) bool {
	if len(pattern) > len(data) {
		return false
	}
	for i := 0; i <= len(data)-len(pattern); i++ {
		ok := true
		for j, p := range pattern {
			if p >= 0 && data[i+j] != byte(p) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (c *condition) satisfied(hit map[string]bool, total int) bool {
	switch c.Kind {
	case condAnyOf:
		return len(hit) > 0
	case condAllOf:
		return total > 0 && len(hit) == total
	case condNOf:
		return len(hit) >= c.N
	case condExpr:
		if c.AllOf {
			for _, id := range c.IDs {
				if !hit[id] {
					return false
				}
			}
			return true
		}
		for _, id := range c.IDs {
			if hit[id] {
				return true
			}
		}
		return false
	}
	return false
}

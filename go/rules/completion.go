package rules

import (
	"fmt"
	"strings"
)

// ParseCompletionSeries evaluates a user-supplied boolean expression over
// received descriptions. The expression combines quoted or bare terms with
// "and", "or", and parentheses; a term is satisfied when the received list
// contains it, ignoring case and surrounding whitespace.
//
//	'T1' and ('T2' or 'FLAIR')
//
// An empty or malformed expression is a configuration error.
func ParseCompletionSeries(required string, received []string) (bool, error) {
	tokens, err := tokenizeCompletion(required)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, fmt.Errorf("%w: empty completion expression", ErrMisconfigured)
	}

	var have = make(map[string]bool, len(received))
	for _, item := range received {
		have[strings.ToLower(strings.TrimSpace(item))] = true
	}

	var p = completionParser{tokens: tokens, have: have}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("%w: unexpected token %q in completion expression", ErrMisconfigured, p.tokens[p.pos].text)
	}
	return result, nil
}

type completionToken struct {
	kind string // "term", "and", "or", "lparen", "rparen"
	text string
}

func tokenizeCompletion(expr string) ([]completionToken, error) {
	var tokens []completionToken
	var i = 0
	for i < len(expr) {
		var c = expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, completionToken{kind: "lparen", text: "("})
			i++
		case c == ')':
			tokens = append(tokens, completionToken{kind: "rparen", text: ")"})
			i++
		case c == '\'' || c == '"':
			var end = strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote in completion expression", ErrMisconfigured)
			}
			tokens = append(tokens, completionToken{kind: "term", text: expr[i+1 : i+1+end]})
			i += end + 2
		default:
			var j = i
			for j < len(expr) && !strings.ContainsRune(" \t\n()'\"", rune(expr[j])) {
				j++
			}
			var word = expr[i:j]
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, completionToken{kind: "and", text: word})
			case "or":
				tokens = append(tokens, completionToken{kind: "or", text: word})
			default:
				tokens = append(tokens, completionToken{kind: "term", text: word})
			}
			i = j
		}
	}
	return tokens, nil
}

type completionParser struct {
	tokens []completionToken
	pos    int
	have   map[string]bool
}

func (p *completionParser) parseOr() (bool, error) {
	result, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos].kind == "or" {
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		result = result || next
	}
	return result, nil
}

func (p *completionParser) parseAnd() (bool, error) {
	result, err := p.parseTerm()
	if err != nil {
		return false, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos].kind == "and" {
		p.pos++
		next, err := p.parseTerm()
		if err != nil {
			return false, err
		}
		result = result && next
	}
	return result, nil
}

func (p *completionParser) parseTerm() (bool, error) {
	if p.pos >= len(p.tokens) {
		return false, fmt.Errorf("%w: completion expression ends unexpectedly", ErrMisconfigured)
	}
	var tok = p.tokens[p.pos]
	switch tok.kind {
	case "term":
		p.pos++
		return p.have[strings.ToLower(strings.TrimSpace(tok.text))], nil
	case "lparen":
		p.pos++
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != "rparen" {
			return false, fmt.Errorf("%w: missing closing parenthesis in completion expression", ErrMisconfigured)
		}
		p.pos++
		return result, nil
	default:
		return false, fmt.Errorf("%w: unexpected %q in completion expression", ErrMisconfigured, tok.text)
	}
}

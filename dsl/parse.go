package dsl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// ErrGrammar is returned by Parse when the input matches none of the commands.
var ErrGrammar = errors.New("dsl: unrecognised command")

const (
	keywordHelp     = "help"
	keywordQuestion = "?"
	keywordLogin    = "login"
	keywordStatus   = "status"
	keywordProject  = "project"
	keywordConnect  = "connect"
)

var keywords = map[string]struct{}{
	keywordHelp:     {},
	keywordQuestion: {},
	keywordLogin:    {},
	keywordStatus:   {},
	keywordProject:  {},
	keywordConnect:  {},
}

// Lexer splits the command text into quoted names, bare words and whitespace.
// Quoted must come first so a leading quote is never read as part of a word.
var Lexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Quoted", Pattern: `"[^"]+"`},
	{Name: "Word", Pattern: `[^\s"]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var (
	quotedToken     = Lexer.Symbols()["Quoted"]
	wordToken       = Lexer.Symbols()["Word"]
	whitespaceToken = Lexer.Symbols()["Whitespace"]
)

// Parse interprets the text typed after the slash command.
//
// It returns an error wrapping ErrGrammar, and a nil Command, when text is not
// one of the forms described in the package documentation.
func Parse(text string) (Command, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	cmd, err := p.command()
	if err != nil {
		return nil, err
	}
	if tok, ok := p.peek(); ok {
		return nil, unexpected(tok)
	}
	return cmd, nil
}

func tokenize(text string) ([]lexer.Token, error) {
	lex, err := Lexer.LexString("", strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrammar, err)
	}
	all, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrammar, err)
	}

	tokens := make([]lexer.Token, 0, len(all))
	separated := true
	for _, tok := range all {
		if tok.EOF() {
			continue
		}
		if tok.Type == whitespaceToken {
			separated = true
			continue
		}
		// Only a quoted name can touch another token, as in project"a b"connect.
		if !separated {
			return nil, fmt.Errorf("%w: missing space before %q at column %d", ErrGrammar, tok.Value, tok.Pos.Column)
		}
		tokens = append(tokens, tok)
		separated = false
	}
	return tokens, nil
}

type parser struct {
	tokens []lexer.Token
	pos    int
}

func (p *parser) peek() (lexer.Token, bool) {
	if p.pos >= len(p.tokens) {
		return lexer.Token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (lexer.Token, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

// command = "" | help | login | status | project
func (p *parser) command() (Command, error) {
	tok, ok := p.next()
	if !ok {
		return Help{}, nil
	}

	switch {
	case isHelp(tok):
		return Help{}, nil
	case isKeyword(tok, keywordLogin):
		return Login{}, nil
	case isKeyword(tok, keywordStatus):
		return Status{}, nil
	case isKeyword(tok, keywordProject):
		return p.project()
	}
	return nil, unexpected(tok)
}

// project = "project" [ help | identifier "connect" ]
func (p *parser) project() (Command, error) {
	tok, ok := p.next()
	if !ok || isHelp(tok) {
		return ProjectHelp{}, nil
	}

	identifier, err := p.identifier(tok)
	if err != nil {
		return nil, err
	}

	tok, ok = p.next()
	if !ok {
		return nil, fmt.Errorf("%w: expected %q after project %q", ErrGrammar, keywordConnect, identifier)
	}
	if !isKeyword(tok, keywordConnect) {
		return nil, unexpected(tok)
	}
	return ProjectConnect{Identifier: identifier}, nil
}

// identifier = quoted | word
func (p *parser) identifier(tok lexer.Token) (string, error) {
	switch tok.Type {
	case quotedToken:
		return strings.Trim(tok.Value, `"`), nil
	case wordToken:
		if _, reserved := keywords[tok.Value]; reserved {
			return "", fmt.Errorf("%w: %q is a keyword, quote it to use it as a project name", ErrGrammar, tok.Value)
		}
		return tok.Value, nil
	}
	return "", unexpected(tok)
}

func isKeyword(tok lexer.Token, keyword string) bool {
	return tok.Type == wordToken && tok.Value == keyword
}

func isHelp(tok lexer.Token) bool {
	return isKeyword(tok, keywordHelp) || isKeyword(tok, keywordQuestion)
}

func unexpected(tok lexer.Token) error {
	return fmt.Errorf("%w: unexpected %q at column %d", ErrGrammar, tok.Value, tok.Pos.Column)
}

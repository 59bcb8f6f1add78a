/*
Package dsl defines the small language typed after the /gitbot slash command.

Grammar summary

All lower case words are keywords and have to be typed exactly as shown.
Tokens are separated by one or more whitespace characters, whitespace around
the whole input is ignored. A quoted name must be separated from its
neighbours too: project"a b"connect is rejected.

    command = "" | help | login | status | project

    help    = "?" | "help"
    login   = "login"
    status  = "status"
    project = "project" [ help | identifier "connect" ]

    identifier = quoted | word
    quoted     = '"' { any character except '"' } '"'
    word       = { any character except whitespace and '"' }

Grammar description

[ ... ] - the tokens are optional

{ ... } - one or more repetitions

quoted - a double quoted project name. The quotes are stripped from the
resulting identifier. There is no escaping, so a name can't contain a double
quote.

word - a single unquoted project name or numeric project id. A word never
contains spaces and can't be one of the keywords (help, ?, login, status,
project, connect); quote the name when it needs either.

Example

Below you can find examples of accepted commands:

    /gitbot
    /gitbot help
    /gitbot login
    /gitbot status
    /gitbot project ?
    /gitbot project 1234 connect
    /gitbot project "my project" connect

Anything else fails to parse with ErrGrammar.
*/
package dsl

package dsl

import "strconv"

// Command is the action requested by the text following the slash command.
//
// The set of implementations is closed: Help, Login, Status, ProjectHelp and
// ProjectConnect.
type Command interface {
	command()
	String() string
}

type (
	// Help asks for the top level usage message.
	Help struct{}

	// Login asks to start the GitLab sign in flow.
	Login struct{}

	// Status asks for the logged in users and connected projects.
	Status struct{}

	// ProjectHelp asks for the usage of the project sub-command.
	ProjectHelp struct{}

	// ProjectConnect asks to connect a GitLab project to the current channel.
	ProjectConnect struct {
		// Identifier is the project name or numeric id, without quotes.
		Identifier string
	}
)

func (Help) command()           {}
func (Login) command()          {}
func (Status) command()         {}
func (ProjectHelp) command()    {}
func (ProjectConnect) command() {}

func (Help) String() string        { return "help" }
func (Login) String() string       { return "login" }
func (Status) String() string      { return "status" }
func (ProjectHelp) String() string { return "project help" }

func (c ProjectConnect) String() string {
	return "project " + strconv.Quote(c.Identifier) + " connect"
}

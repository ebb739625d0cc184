// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

// Id identifies an entry in the issue catalog.
type Id int

const (
	ContainerEngineNotFoundId Id = iota + 1
	ImagePullFailedId
	SessionActiveId
	NoSessionId
	PackNotFoundId
	IndexUnreachableId
	DescriptorNotFoundId
	DescriptorInvalidId
	DependencyInstallFailedId
	EventFileNotFoundId
	ConfigLoadFailedId
	PermissionDeniedId
)

type (
	// MarkdownMsg is catalog text rendered with glamour.
	MarkdownMsg string

	// HttpLink is an external documentation link.
	HttpLink string

	// Issue is a catalog entry with longer, rendered guidance.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the issue as terminal markdown using the given glamour style
// ("dark", "light", "notty", or a path to a JSON style).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

Dependencies are compiled inside a build container, so docker or podman must be
installed and reachable.

## Things you can try:
- Install Docker or Podman
- Check that the daemon is running:
~~~
$ docker version
~~~
- Select the other engine in packwire.cue:
~~~cue
container_engine: "podman"
~~~`,
		docLinks: []HttpLink{"https://docs.docker.com/engine/install/"},
	}

	imagePullFailedIssue = &Issue{
		id: ImagePullFailedId,
		mdMsg: `
# Could not pull the build image!

## Things you can try:
- Check your network connection and registry credentials
- Override the image in serverless.yml:
~~~yaml
custom:
  stackstorm:
    image: lambci/lambda:build-python2.7
~~~`,
	}

	sessionActiveIssue = &Issue{
		id: SessionActiveId,
		mdMsg: `
# A build container is already running for this session!

Stop it before starting a new one:
~~~
$ packwire docker stop --id <container id>
~~~
Orphaned containers from earlier runs are listed by ` + "`packwire docker ps`" + `.`,
	}

	noSessionIssue = &Issue{
		id: NoSessionId,
		mdMsg: `
# No build container is set for this session!

Start one first, or pass the container id explicitly:
~~~
$ packwire docker start
$ packwire docker exec --id <container id> --cmd "pip --version"
~~~`,
	}

	packNotFoundIssue = &Issue{
		id: PackNotFoundId,
		mdMsg: `
# Pack not found in the index!

## Things you can try:
- Check the pack name in ` + "`st2_function`" + ` (format: ` + "`pack.action`" + `)
- Point ` + "`index_url`" + ` at an index that carries the pack`,
		docLinks: []HttpLink{"https://exchange.stackstorm.org/"},
	}

	indexUnreachableIssue = &Issue{
		id: IndexUnreachableId,
		mdMsg: `
# The pack index could not be fetched!

## Things you can try:
- Check your network connection
- Verify ` + "`index_url`" + ` in packwire.cue or ` + "`custom.stackstorm.index`" + ` in serverless.yml`,
	}

	descriptorNotFoundIssue = &Issue{
		id: DescriptorNotFoundId,
		mdMsg: `
# No serverless.yml found!

Run packwire from the service directory or pass ` + "`--service <path>`" + `.`,
	}

	descriptorInvalidIssue = &Issue{
		id: DescriptorInvalidId,
		mdMsg: `
# Invalid function definition!

A function either wraps an action with ` + "`st2_function`" + ` or declares its own
` + "`handler`" + `, never both:
~~~yaml
functions:
  get_issue:
    st2_function: github.get_issue
    st2_config:
      token: ${env:GITHUB_TOKEN}
~~~`,
	}

	dependencyInstallFailedIssue = &Issue{
		id: DependencyInstallFailedId,
		mdMsg: `
# Dependency installation failed!

pip exited with an error inside the build container. The captured stderr is
shown above.

## Things you can try:
- Check the pack's requirements.txt for packages that need system libraries
- Reinstall a single pack with:
~~~
$ packwire install packDeps --pack <name> --force
~~~
- Collect every failure instead of stopping at the first one:
~~~cue
provision: continue_on_error: true
~~~`,
	}

	eventFileNotFoundIssue = &Issue{
		id: EventFileNotFoundId,
		mdMsg: `
# Event file not found!

The file passed with ` + "`--path`" + ` does not exist. Pass the event inline with
` + "`--data`" + ` or pipe it on stdin instead.`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Check the CUE syntax of packwire.cue
- Print the effective configuration:
~~~
$ packwire config show
~~~
- Print the JSON schema of every option:
~~~
$ packwire config schema
~~~`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

## Common causes:
- The current user cannot talk to the docker daemon
- The workspace directory is owned by root after a container run

## Things you can try:
~~~
$ sudo usermod -aG docker $USER
$ sudo chown -R $USER ~st2
~~~`,
	}

	issues = map[Id]*Issue{
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		imagePullFailedIssue.Id():         imagePullFailedIssue,
		sessionActiveIssue.Id():           sessionActiveIssue,
		noSessionIssue.Id():               noSessionIssue,
		packNotFoundIssue.Id():            packNotFoundIssue,
		indexUnreachableIssue.Id():        indexUnreachableIssue,
		descriptorNotFoundIssue.Id():      descriptorNotFoundIssue,
		descriptorInvalidIssue.Id():       descriptorInvalidIssue,
		dependencyInstallFailedIssue.Id(): dependencyInstallFailedIssue,
		eventFileNotFoundIssue.Id():       eventFileNotFoundIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
	}
)

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int {
		return int(a.id) - int(b.id)
	})
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

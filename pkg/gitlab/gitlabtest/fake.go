// Package gitlabtest provides a configurable in-memory Gateway fake for
// tests of components that talk to GitLab.
package gitlabtest

import (
	"context"
	"sync"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
)

// Fake is an in-memory Gateway. Zero value is usable; populate the
// maps/slices to seed remote state. All methods are safe for concurrent
// use.
type Fake struct {
	mu sync.Mutex

	Projects      map[int64]*gitlab.Project
	Users         map[int64]*gitlab.User
	Groups        map[int64]*gitlab.Group
	Issues        map[int64][]gitlab.Issue        // by project id
	MergeRequests map[int64][]gitlab.MergeRequest // by project id
	Epics         map[int64]*gitlab.Epic          // by epic iid

	// Err, when set, is returned by every call.
	Err error

	// ConnectionOK controls TestConnection.
	ConnectionOK bool

	nextEpicIID int64

	// Calls counts invocations by method name.
	Calls map[string]int
}

// Compile-time interface check.
var _ gitlab.Gateway = (*Fake)(nil)

// New creates an empty Fake that accepts connections.
func New() *Fake {
	return &Fake{
		Projects:      make(map[int64]*gitlab.Project),
		Users:         make(map[int64]*gitlab.User),
		Groups:        make(map[int64]*gitlab.Group),
		Issues:        make(map[int64][]gitlab.Issue),
		MergeRequests: make(map[int64][]gitlab.MergeRequest),
		Epics:         make(map[int64]*gitlab.Epic),
		ConnectionOK:  true,
		Calls:         make(map[string]int),
	}
}

func (f *Fake) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}

	f.Calls[method]++

	return f.Err
}

func (f *Fake) TestConnection(context.Context) error {
	if err := f.record("TestConnection"); err != nil {
		return err
	}

	if !f.ConnectionOK {
		return apperrors.AuthenticationFailed("bad token")
	}

	return nil
}

func (f *Fake) GetProjects(
	context.Context, gitlab.ListOptions,
) ([]gitlab.Project, error) {
	if err := f.record("GetProjects"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]gitlab.Project, 0, len(f.Projects))
	for _, p := range f.Projects {
		out = append(out, *p)
	}

	return out, nil
}

func (f *Fake) GetProject(
	_ context.Context, id int64,
) (*gitlab.Project, error) {
	if err := f.record("GetProject"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.Projects[id]
	if !ok {
		return nil, apperrors.NotFound("project %d not found", id)
	}

	cp := *p

	return &cp, nil
}

func (f *Fake) GetUsers(
	context.Context, gitlab.ListOptions,
) ([]gitlab.User, error) {
	if err := f.record("GetUsers"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]gitlab.User, 0, len(f.Users))
	for _, u := range f.Users {
		out = append(out, *u)
	}

	return out, nil
}

func (f *Fake) GetUser(_ context.Context, id int64) (*gitlab.User, error) {
	if err := f.record("GetUser"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.Users[id]
	if !ok {
		return nil, apperrors.NotFound("user %d not found", id)
	}

	cp := *u

	return &cp, nil
}

func (f *Fake) GetIssues(
	_ context.Context, projectID int64, _ gitlab.ListOptions,
) ([]gitlab.Issue, error) {
	if err := f.record("GetIssues"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]gitlab.Issue(nil), f.Issues[projectID]...), nil
}

func (f *Fake) GetIssue(
	_ context.Context, projectID, iid int64,
) (*gitlab.Issue, error) {
	if err := f.record("GetIssue"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, issue := range f.Issues[projectID] {
		if issue.IID == iid {
			cp := issue

			return &cp, nil
		}
	}

	return nil, apperrors.NotFound("issue %d not found", iid)
}

func (f *Fake) GetMergeRequests(
	_ context.Context, projectID int64, _ gitlab.ListOptions,
) ([]gitlab.MergeRequest, error) {
	if err := f.record("GetMergeRequests"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]gitlab.MergeRequest(nil), f.MergeRequests[projectID]...), nil
}

func (f *Fake) GetMergeRequest(
	_ context.Context, projectID, iid int64,
) (*gitlab.MergeRequest, error) {
	if err := f.record("GetMergeRequest"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, mr := range f.MergeRequests[projectID] {
		if mr.IID == iid {
			cp := mr

			return &cp, nil
		}
	}

	return nil, apperrors.NotFound("merge request %d not found", iid)
}

func (f *Fake) GetGroups(
	context.Context, gitlab.ListOptions,
) ([]gitlab.Group, error) {
	if err := f.record("GetGroups"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]gitlab.Group, 0, len(f.Groups))
	for _, g := range f.Groups {
		out = append(out, *g)
	}

	return out, nil
}

func (f *Fake) GetGroup(_ context.Context, id int64) (*gitlab.Group, error) {
	if err := f.record("GetGroup"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.Groups[id]
	if !ok {
		return nil, apperrors.NotFound("group %d not found", id)
	}

	cp := *g

	return &cp, nil
}

func (f *Fake) GetEpic(
	_ context.Context, groupID, epicIID int64,
) (*gitlab.Epic, error) {
	if err := f.record("GetEpic"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.Epics[epicIID]
	if !ok || e.GroupID != groupID {
		return nil, apperrors.NotFound("epic %d not found in group %d", epicIID, groupID)
	}

	cp := *e

	return &cp, nil
}

func (f *Fake) CreateEpic(
	_ context.Context, groupID int64, req *gitlab.EpicRequest,
) (*gitlab.Epic, error) {
	if err := f.record("CreateEpic"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextEpicIID++

	epic := &gitlab.Epic{
		ID:          f.nextEpicIID + 1000,
		IID:         f.nextEpicIID,
		GroupID:     groupID,
		Title:       req.Title,
		Description: req.Description,
		State:       gitlab.EpicStateOpened,
		Labels:      append([]string(nil), req.Labels...),
	}
	f.Epics[epic.IID] = epic

	cp := *epic

	return &cp, nil
}

func (f *Fake) UpdateEpic(
	_ context.Context, groupID, epicIID int64, req *gitlab.EpicRequest,
) (*gitlab.Epic, error) {
	if err := f.record("UpdateEpic"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.Epics[epicIID]
	if !ok || e.GroupID != groupID {
		return nil, apperrors.NotFound("epic %d not found in group %d", epicIID, groupID)
	}

	if req.Title != "" {
		e.Title = req.Title
	}

	if req.Description != "" {
		e.Description = req.Description
	}

	if req.Labels != nil {
		e.Labels = append([]string(nil), req.Labels...)
	}

	switch req.StateEvent {
	case "close":
		e.State = gitlab.EpicStateClosed
	case "reopen":
		e.State = gitlab.EpicStateOpened
	}

	cp := *e

	return &cp, nil
}

func (f *Fake) DeleteEpic(_ context.Context, groupID, epicIID int64) error {
	if err := f.record("DeleteEpic"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.Epics[epicIID]
	if !ok || e.GroupID != groupID {
		return apperrors.NotFound("epic %d not found in group %d", epicIID, groupID)
	}

	delete(f.Epics, epicIID)

	return nil
}

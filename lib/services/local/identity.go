// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package local implements the storage interfaces of lib/services in
// process memory. Every record is copied on the way in and out, so callers
// never share slices with the store.
package local

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/arena/lib/services"
)

// IdentityService stores users, roles and clients in memory.
type IdentityService struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	users       map[string]services.User // keyed by user id
	usersByName map[string]string        // normalized username -> user id
	roles       map[string]services.Role // keyed by role id
	clients     map[string]services.Client
}

// NewIdentityService returns an empty identity store.
func NewIdentityService(clock clockwork.Clock) *IdentityService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IdentityService{
		clock:       clock,
		users:       make(map[string]services.User),
		usersByName: make(map[string]string),
		roles:       make(map[string]services.Role),
		clients:     make(map[string]services.Client),
	}
}

// CreateUser creates a user, failing if the username is taken.
func (s *IdentityService) CreateUser(ctx context.Context, user services.User) (services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return services.User{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return services.User{}, trace.AlreadyExists("user %q already exists", user.ID)
	}
	norm := user.NormalizedUsername()
	if _, ok := s.usersByName[norm]; ok {
		return services.User{}, trace.AlreadyExists("username %q is already taken", user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.clock.Now()
	}
	user.RoleIDs = slices.Clone(user.RoleIDs)
	s.users[user.ID] = user
	s.usersByName[norm] = user.ID
	return cloneUser(user), nil
}

// UpdateUser replaces an existing user record.
func (s *IdentityService) UpdateUser(ctx context.Context, user services.User) (services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return services.User{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return services.User{}, trace.NotFound("user %q is not found", user.ID)
	}
	norm := user.NormalizedUsername()
	if other, ok := s.usersByName[norm]; ok && other != user.ID {
		return services.User{}, trace.AlreadyExists("username %q is already taken", user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = existing.CreatedAt
	}
	delete(s.usersByName, existing.NormalizedUsername())
	user.RoleIDs = slices.Clone(user.RoleIDs)
	s.users[user.ID] = user
	s.usersByName[norm] = user.ID
	return cloneUser(user), nil
}

// DeleteUser removes a user by id.
func (s *IdentityService) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return trace.NotFound("user %q is not found", id)
	}
	delete(s.users, id)
	delete(s.usersByName, user.NormalizedUsername())
	return nil
}

// GetUser returns a user by id.
func (s *IdentityService) GetUser(ctx context.Context, id string) (services.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return services.User{}, trace.NotFound("user %q is not found", id)
	}
	return cloneUser(user), nil
}

// GetUserByName returns a user by username, matched case-insensitively.
func (s *IdentityService) GetUserByName(ctx context.Context, username string) (services.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByName[services.NormalizeUsername(username)]
	if !ok {
		return services.User{}, trace.NotFound("user %q is not found", username)
	}
	return cloneUser(s.users[id]), nil
}

// GetUsers returns all users sorted by username.
func (s *IdentityService) GetUsers(ctx context.Context) ([]services.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]services.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NormalizedUsername() < out[j].NormalizedUsername()
	})
	return out, nil
}

// UpsertRole creates or replaces a role, rejecting saves that would
// introduce an inclusion cycle or reuse another role's name.
func (s *IdentityService) UpsertRole(ctx context.Context, role services.Role) (services.Role, error) {
	if err := role.CheckAndSetDefaults(); err != nil {
		return services.Role{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.roles {
		if other.Name == role.Name && other.ID != role.ID {
			return services.Role{}, trace.AlreadyExists("role name %q is already taken", role.Name)
		}
	}
	if err := s.checkRoleCycle(role); err != nil {
		return services.Role{}, trace.Wrap(err)
	}
	role.IncludedRoleIDs = slices.Clone(role.IncludedRoleIDs)
	role.Scopes = slices.Clone(role.Scopes)
	s.roles[role.ID] = role
	return cloneRole(role), nil
}

// checkRoleCycle walks the inclusion graph as it would look after saving
// the candidate and fails if the candidate can reach itself. Called under
// the write lock; unknown included ids are fine, they may be created later.
func (s *IdentityService) checkRoleCycle(candidate services.Role) error {
	visited := make(map[string]bool)
	var walk func(id string) error
	walk = func(id string) error {
		if id == candidate.ID {
			return trace.BadParameter("role %q would include itself through a cycle", candidate.Name)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		role, ok := s.roles[id]
		if !ok {
			return nil
		}
		for _, next := range role.IncludedRoleIDs {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range candidate.IncludedRoleIDs {
		if err := walk(id); err != nil {
			return err
		}
	}
	return nil
}

// GetRole returns a role by id.
func (s *IdentityService) GetRole(ctx context.Context, id string) (services.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[id]
	if !ok {
		return services.Role{}, trace.NotFound("role %q is not found", id)
	}
	return cloneRole(role), nil
}

// GetRoleByName returns a role by its unique name.
func (s *IdentityService) GetRoleByName(ctx context.Context, name string) (services.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, role := range s.roles {
		if role.Name == name {
			return cloneRole(role), nil
		}
	}
	return services.Role{}, trace.NotFound("role %q is not found", name)
}

// GetRoles returns all roles sorted by name.
func (s *IdentityService) GetRoles(ctx context.Context) ([]services.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]services.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteRole removes a role that is no longer referenced by any user or
// other role.
func (s *IdentityService) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[id]
	if !ok {
		return trace.NotFound("role %q is not found", id)
	}
	for _, other := range s.roles {
		if other.ID != id && slices.Contains(other.IncludedRoleIDs, id) {
			return trace.BadParameter("role %q is still included by role %q", role.Name, other.Name)
		}
	}
	for _, user := range s.users {
		if slices.Contains(user.RoleIDs, id) {
			return trace.BadParameter("role %q is still assigned to user %q", role.Name, user.Username)
		}
	}
	delete(s.roles, id)
	return nil
}

// ResolveScopes returns the union of scopes over the transitive closure of
// the given role ids. The visited set bounds the walk even though cycles
// cannot be saved.
func (s *IdentityService) ResolveScopes(ctx context.Context, roleIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	s.walkRoles(roleIDs, func(role services.Role) {
		for _, scope := range role.Scopes {
			set[scope] = struct{}{}
		}
	})
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	slices.Sort(out)
	return out, nil
}

// ResolveRoleNames returns the names in the transitive closure of the
// given role ids, sorted.
func (s *IdentityService) ResolveRoleNames(ctx context.Context, roleIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	s.walkRoles(roleIDs, func(role services.Role) {
		out = append(out, role.Name)
	})
	slices.Sort(out)
	return slices.Compact(out), nil
}

// walkRoles runs fn over the transitive closure of roleIDs, depth-first,
// skipping unknown ids. Callers hold at least the read lock.
func (s *IdentityService) walkRoles(roleIDs []string, fn func(services.Role)) {
	visited := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		role, ok := s.roles[id]
		if !ok {
			return
		}
		fn(role)
		for _, next := range role.IncludedRoleIDs {
			walk(next)
		}
	}
	for _, id := range roleIDs {
		walk(id)
	}
}

// UpsertClient creates or replaces a client.
func (s *IdentityService) UpsertClient(ctx context.Context, client services.Client) (services.Client, error) {
	if err := client.CheckAndSetDefaults(); err != nil {
		return services.Client{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client.AllowedScopes = slices.Clone(client.AllowedScopes)
	client.AllowedGrants = slices.Clone(client.AllowedGrants)
	s.clients[client.ID] = client
	return cloneClient(client), nil
}

// GetClient returns a client by client_id.
func (s *IdentityService) GetClient(ctx context.Context, id string) (services.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return services.Client{}, trace.NotFound("client %q is not found", id)
	}
	return cloneClient(client), nil
}

// GetClients returns all clients sorted by client_id.
func (s *IdentityService) GetClients(ctx context.Context) ([]services.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]services.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

// DeleteClient removes a client by client_id.
func (s *IdentityService) DeleteClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return trace.NotFound("client %q is not found", id)
	}
	delete(s.clients, id)
	return nil
}

func cloneUser(u services.User) services.User {
	u.RoleIDs = slices.Clone(u.RoleIDs)
	return u
}

func cloneRole(r services.Role) services.Role {
	r.IncludedRoleIDs = slices.Clone(r.IncludedRoleIDs)
	r.Scopes = slices.Clone(r.Scopes)
	return r
}

func cloneClient(c services.Client) services.Client {
	c.AllowedScopes = slices.Clone(c.AllowedScopes)
	c.AllowedGrants = slices.Clone(c.AllowedGrants)
	return c
}

var _ services.Identity = (*IdentityService)(nil)

package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/perimetra/perimetra/pkg/fact"
)

// MockSource generates a deterministic synthetic tenant: users, groups,
// service principals, role definitions and resources, wired with
// memberships, role assignments and permission grants. Churn mutates a
// slice of it between cycles so the full pipeline sees new, modified and
// deleted records without a live collector.
type MockSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	cycle int

	vertices map[fact.VertexKind][]fact.VertexRecord
	edges    map[fact.EdgeKind][]fact.EdgeRecord
}

// NewMockSource seeds the tenant. The same seed yields the same tenant.
func NewMockSource(seed int64, users int) *MockSource {
	if users <= 0 {
		users = 200
	}
	s := &MockSource{
		rng:      rand.New(rand.NewSource(seed)),
		vertices: make(map[fact.VertexKind][]fact.VertexRecord),
		edges:    make(map[fact.EdgeKind][]fact.EdgeRecord),
	}
	s.seed(users)
	return s
}

func (s *MockSource) Name() string { return "mock" }

func (s *MockSource) seed(users int) {
	roles := []struct {
		id, name, template string
		privileged         bool
	}{
		{"role-ga", "Global Administrator", "62e90394-69f5-4237-9190-012177145e10", true},
		{"role-pa", "Privileged Authentication Administrator", "7be44c8a-adaf-4e2a-84d6-ab2649e08a13", true},
		{"role-ua", "User Administrator", "fe930be7-5e62-47db-91af-98c3a49a38b1", true},
		{"role-reader", "Directory Readers", "88d8e3e3-8f55-4a1e-953a-9b9898b8876b", false},
	}
	for _, r := range roles {
		s.vertices[fact.KindRoleDefinition] = append(s.vertices[fact.KindRoleDefinition], fact.VertexRecord{
			ID:          r.id,
			Kind:        fact.KindRoleDefinition,
			DisplayName: r.name,
			Attrs:       map[string]any{"roleTemplateId": r.template, "isPrivileged": r.privileged},
		})
	}

	groups := 1 + users/20
	for i := 0; i < groups; i++ {
		s.vertices[fact.KindGroup] = append(s.vertices[fact.KindGroup], fact.VertexRecord{
			ID:          fmt.Sprintf("g%04d", i),
			Kind:        fact.KindGroup,
			DisplayName: fmt.Sprintf("Team %d", i),
		})
	}

	for i := 0; i < users; i++ {
		id := fmt.Sprintf("u%04d", i)
		s.vertices[fact.KindUser] = append(s.vertices[fact.KindUser], fact.VertexRecord{
			ID:          id,
			Kind:        fact.KindUser,
			DisplayName: fmt.Sprintf("User %04d", i),
			Attrs: map[string]any{
				"userPrincipalName": fmt.Sprintf("user%04d@mock.example", i),
				"accountEnabled":    true,
			},
		})
		g := s.rng.Intn(groups)
		s.edges[fact.EdgeMemberOf] = append(s.edges[fact.EdgeMemberOf], fact.EdgeRecord{
			Source: "user/" + id,
			Target: fmt.Sprintf("group/g%04d", g),
			Kind:   fact.EdgeMemberOf,
			Class:  fact.Physical,
		})
	}

	for i := 0; i < 1+users/50; i++ {
		id := fmt.Sprintf("sp%03d", i)
		appID := fmt.Sprintf("00000000-0000-0000-0000-%012d", i)
		s.vertices[fact.KindServicePrincipal] = append(s.vertices[fact.KindServicePrincipal], fact.VertexRecord{
			ID:          id,
			Kind:        fact.KindServicePrincipal,
			DisplayName: fmt.Sprintf("Automation %d", i),
			Attrs:       map[string]any{"appId": appID, "accountEnabled": true},
		})
	}

	s.vertices[fact.KindResource] = append(s.vertices[fact.KindResource], fact.VertexRecord{
		ID:          "kv-prod",
		Kind:        fact.KindResource,
		DisplayName: "Production Vault",
		Attrs:       map[string]any{"resourceType": "keyVault"},
	})

	// A handful of privileged assignments so derivation has something to
	// chew on. Group 0 holds the password-reset role; user 0 is a direct
	// global admin; sp000 can rotate application credentials.
	s.edges[fact.EdgeHoldsRole] = append(s.edges[fact.EdgeHoldsRole],
		fact.EdgeRecord{
			Source:    "user/u0000",
			Target:    "roleDefinition/role-ga",
			Kind:      fact.EdgeHoldsRole,
			Qualifier: "62e90394-69f5-4237-9190-012177145e10",
			Class:     fact.Physical,
		},
		fact.EdgeRecord{
			Source:    "group/g0000",
			Target:    "roleDefinition/role-pa",
			Kind:      fact.EdgeHoldsRole,
			Qualifier: "7be44c8a-adaf-4e2a-84d6-ab2649e08a13",
			Class:     fact.Physical,
		},
	)
	s.edges[fact.EdgeHasPermission] = append(s.edges[fact.EdgeHasPermission],
		fact.EdgeRecord{
			Source:    "servicePrincipal/sp000",
			Target:    "resource/kv-prod",
			Kind:      fact.EdgeHasPermission,
			Qualifier: "microsoft.directory/applications/credentials/update",
			Class:     fact.Physical,
		},
	)
}

// Churn simulates directory drift: a few renamed users, one disabled
// account, one new hire and one departure per call.
func (s *MockSource) Churn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++

	users := s.vertices[fact.KindUser]
	if len(users) > 4 {
		i := s.rng.Intn(len(users))
		users[i].DisplayName = fmt.Sprintf("%s (renamed %d)", users[i].DisplayName, s.cycle)

		j := s.rng.Intn(len(users))
		users[j].Attrs["accountEnabled"] = false

		// Departure: drop a user; the full-batch close marks it deleted.
		k := s.rng.Intn(len(users))
		users = append(users[:k], users[k+1:]...)
	}
	id := fmt.Sprintf("uh%02d-%04d", s.cycle, s.rng.Intn(10000))
	users = append(users, fact.VertexRecord{
		ID:          id,
		Kind:        fact.KindUser,
		DisplayName: "New Hire " + id,
		Attrs: map[string]any{
			"userPrincipalName": id + "@mock.example",
			"accountEnabled":    true,
		},
	})
	s.vertices[fact.KindUser] = users
}

func (s *MockSource) Vertices(ctx context.Context, kind fact.VertexKind) ([]fact.VertexRecord, []fact.RecordError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.vertices[kind]
	if !ok {
		return nil, nil, ErrNotObserved
	}
	out := make([]fact.VertexRecord, len(recs))
	copy(out, recs)
	return out, nil, nil
}

func (s *MockSource) Edges(ctx context.Context, kind fact.EdgeKind) ([]fact.EdgeRecord, []fact.RecordError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.edges[kind]
	if !ok {
		return nil, nil, ErrNotObserved
	}
	out := make([]fact.EdgeRecord, len(recs))
	copy(out, recs)
	return out, nil, nil
}

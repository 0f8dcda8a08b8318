package foreman

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/hexops/autogold/v2"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/foreman/api"
)

func TestRegisterRunner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.registerRunner(testRegistrationToken, "docker", "linux")
	if !strings.HasPrefix(resp.Token, "glrt-") {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if err := env.runner.Verify(ctx, resp.Token); err != nil {
		t.Fatal(err)
	}

	list, err := env.admin.RunnerList(ctx, &api.RunnerListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(1).Equal(t, len(list.Runners))
	autogold.Expect("instance_type").Equal(t, string(list.Runners[0].Type))
	autogold.Expect([]string{"docker", "linux"}).Equal(t, list.Runners[0].Tags)
	autogold.Expect("not_protected").Equal(t, string(list.Runners[0].AccessLevel))

	if err := env.runner.Unregister(ctx, resp.Token); err != nil {
		t.Fatal(err)
	}
	res := env.doJSON("POST", "/api/v4/runners/verify", &api.VerifyRunnerRequest{Token: resp.Token})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)
}

func TestRegisterRunnerScopes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.project("group/app")
	group, err := env.admin.NamespaceUpsert(ctx, &api.NamespaceUpsertRequest{Path: "group"})
	if err != nil {
		t.Fatal(err)
	}

	env.registerRunner(project.RunnersToken)
	env.registerRunner(group.Namespace.RunnersToken)

	list, err := env.admin.RunnerList(ctx, &api.RunnerListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(2).Equal(t, len(list.Runners))
	autogold.Expect("project_type").Equal(t, string(list.Runners[0].Type))
	autogold.Expect([]int64{project.ID}).Equal(t, list.Runners[0].ProjectIDs)
	autogold.Expect("group_type").Equal(t, string(list.Runners[1].Type))
	if list.Runners[1].NamespaceID == nil || *list.Runners[1].NamespaceID != group.Namespace.ID {
		t.Fatalf("unexpected namespace %v", list.Runners[1].NamespaceID)
	}
}

func TestRegisterRunnerErrors(t *testing.T) {
	env := newTestEnv(t)

	res := env.doJSON("POST", "/api/v4/runners", &api.RegisterRunnerRequest{})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
	autogold.Expect("400 Bad request - token is missing").Equal(t, res.message())

	res = env.doJSON("POST", "/api/v4/runners", &api.RegisterRunnerRequest{Token: "wrong"})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)

	res = env.doJSON("POST", "/api/v4/runners", &api.RegisterRunnerRequest{
		Token:       testRegistrationToken,
		RunUntagged: boolPtr(false),
	})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
	autogold.Expect(`{"tags_list":["can not be empty when runner is not allowed to pick untagged jobs"]}`).Equal(t, res.message())

	res = env.doJSON("POST", "/api/v4/runners", &api.RegisterRunnerRequest{
		Token:       testRegistrationToken,
		AccessLevel: "everything",
	})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
	autogold.Expect(`{"access_level":["does not have a valid value"]}`).Equal(t, res.message())

	res = env.doJSON("POST", "/api/v4/runners/verify", &api.VerifyRunnerRequest{})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)

	res = env.doJSON("DELETE", "/api/v4/runners", &api.UnregisterRunnerRequest{Token: "glrt-unknown"})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)
}

func TestRegisterRunnerTagList(t *testing.T) {
	env := newTestEnv(t)
	res := env.do("POST", "/api/v4/runners", http.Header{"Content-Type": {"application/json"}},
		strings.NewReader(`{"token":"`+testRegistrationToken+`","tag_list":" b, a ,b,","run_untagged":false,"maximum_timeout":"3600"}`))
	autogold.Expect(http.StatusCreated).Equal(t, res.code)

	runner, err := env.s.store.RunnerByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect([]string{"a", "b"}).Equal(t, runner.Tags)
	if runner.MaximumTimeout == nil || *runner.MaximumTimeout != 3600 {
		t.Fatalf("unexpected maximum timeout %v", runner.MaximumTimeout)
	}
	autogold.Expect(false).Equal(t, runner.RunUntagged)
	autogold.Expect(ci.RunnerInstance).Equal(t, runner.Type)
}

func TestRegisterRunnerMaximumTimeout(t *testing.T) {
	for _, tc := range []struct {
		name, field string
		code        int
		want        *int
	}{
		{name: "absent", field: ``, code: http.StatusCreated},
		{name: "blank", field: `,"maximum_timeout":""`, code: http.StatusCreated},
		{name: "null", field: `,"maximum_timeout":null`, code: http.StatusCreated},
		{name: "number", field: `,"maximum_timeout":7200`, code: http.StatusCreated, want: secondsPtr(7200)},
		{name: "too small", field: `,"maximum_timeout":300`, code: http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			res := env.do("POST", "/api/v4/runners", http.Header{"Content-Type": {"application/json"}},
				strings.NewReader(`{"token":"`+testRegistrationToken+`"`+tc.field+`}`))
			if res.code != tc.code {
				t.Fatalf("got %d, want %d: %s", res.code, tc.code, res.body)
			}
			if tc.code != http.StatusCreated {
				return
			}
			runner, err := env.s.store.RunnerByID(context.Background(), 1)
			if err != nil {
				t.Fatal(err)
			}
			if (runner.MaximumTimeout == nil) != (tc.want == nil) || (tc.want != nil && *runner.MaximumTimeout != *tc.want) {
				t.Fatalf("unexpected maximum timeout %v", runner.MaximumTimeout)
			}
		})
	}
}

func TestRegisterRunnerClientWithoutTimeout(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.runner.Register(context.Background(), &api.RegisterRunnerRequest{
		Token:          testRegistrationToken,
		MaximumTimeout: api.OptionalSeconds{},
	})
	if err != nil {
		t.Fatal(err)
	}
	runner, err := env.s.store.RunnerByID(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if runner.MaximumTimeout != nil {
		t.Fatalf("unexpected maximum timeout %v", *runner.MaximumTimeout)
	}
}

func TestRegisterRunnerForwardedFor(t *testing.T) {
	env := newTestEnv(t)
	res := env.do("POST", "/api/v4/runners", http.Header{
		"Content-Type":    {"application/json"},
		"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"},
	}, strings.NewReader(`{"token":"`+testRegistrationToken+`"}`))
	autogold.Expect(http.StatusCreated).Equal(t, res.code)

	runner, err := env.s.store.RunnerByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("203.0.113.7").Equal(t, runner.IPAddress)
}

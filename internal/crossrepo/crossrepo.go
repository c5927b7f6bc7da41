// Package crossrepo routes tasks against sibling checkouts. A
// dispatch validates the target repo, injects its path into the task
// params, and brackets the run with crossrepo events so automation in
// the origin workspace can follow the outcome.
package crossrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/internal/config"
	"github.com/nextlevelbuilder/agentmgr/internal/router"
	"github.com/nextlevelbuilder/agentmgr/internal/workspace"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Dispatcher is the router surface cross-repo dispatch needs.
type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Result
}

// Service dispatches tasks scoped to another repository.
type Service struct {
	router    Dispatcher
	bus       *bus.Bus
	validRepo func(ctx context.Context, dir string) bool
}

func New(r Dispatcher, b *bus.Bus) *Service {
	return &Service{router: r, bus: b, validRepo: workspace.IsGitWorkTree}
}

// Dispatch routes skillID against repoPath. The repo path travels as
// params.repo; origin names the workspace the dispatch came from and
// becomes the task's caller.
func (s *Service) Dispatch(ctx context.Context, repoPath, skillID string, params map[string]any, origin string) (router.Result, error) {
	abs, err := filepath.Abs(config.ExpandHome(repoPath))
	if err != nil {
		return router.Result{}, fmt.Errorf("crossrepo: resolve %s: %w", repoPath, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return router.Result{}, fmt.Errorf("crossrepo: stat %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return router.Result{}, fmt.Errorf("crossrepo: %s is not a directory", abs)
	}
	if !s.validRepo(ctx, abs) {
		return router.Result{}, fmt.Errorf("crossrepo: %s is not a git working tree", abs)
	}

	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["repo"] = abs

	req := router.NewRequest(skillID, merged)
	req.Caller = "crossrepo:" + origin

	s.bus.Publish(protocol.CrossRepoDispatched{Repo: abs, SkillID: skillID, TaskID: req.TaskID})

	res := s.router.Route(ctx, req)

	s.bus.Publish(protocol.CrossRepoCompleted{
		Repo:    abs,
		SkillID: skillID,
		TaskID:  res.TaskID,
		Success: res.Success,
		Summary: res.Summary(),
	})
	return res, nil
}

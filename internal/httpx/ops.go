package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/repository"
)

// Op is the closed set of tool operations. Dispatch is a single table over
// this enum; NewRouter panics at startup if any op is missing a handler.
type Op string

const (
	OpDeploy          Op = "deploy"
	OpPromote         Op = "promote"
	OpRollback        Op = "rollback"
	OpSlotStatus      Op = "slot_status"
	OpSlotList        Op = "slot_list"
	OpSlotCleanup     Op = "slot_cleanup"
	OpWorkflowScan    Op = "workflow_scan"
	OpMigrationPlan   Op = "migration_plan"
	OpFullHealthCheck Op = "full_health_check"
)

var allOps = []Op{
	OpDeploy,
	OpPromote,
	OpRollback,
	OpSlotStatus,
	OpSlotList,
	OpSlotCleanup,
	OpWorkflowScan,
	OpMigrationPlan,
	OpFullHealthCheck,
}

// legacyCommands maps deprecated tool names to their current equivalents. The
// mapping drives guidance messages only; a deprecated name is never silently
// executed as its replacement.
var legacyCommands = map[string]Op{
	"blue_green_deploy": OpDeploy,
	"deploy_slot":       OpDeploy,
	"switch_slots":      OpPromote,
	"activate_slot":     OpPromote,
	"revert_deploy":     OpRollback,
	"slot_info":         OpSlotStatus,
	"list_slots":        OpSlotList,
	"cleanup_slots":     OpSlotCleanup,
	"scan_workflows":    OpWorkflowScan,
	"plan_migration":    OpMigrationPlan,
	"health_check_all":  OpFullHealthCheck,
}

type toolHandler func(ctx context.Context, actor string, params json.RawMessage) (any, error)

func (r *Router) buildDispatch() map[Op]toolHandler {
	table := map[Op]toolHandler{
		OpDeploy:          r.opDeploy,
		OpPromote:         r.opPromote,
		OpRollback:        r.opRollback,
		OpSlotStatus:      r.opSlotStatus,
		OpSlotList:        r.opSlotList,
		OpSlotCleanup:     r.opSlotCleanup,
		OpWorkflowScan:    r.opWorkflowScan,
		OpMigrationPlan:   r.opMigrationPlan,
		OpFullHealthCheck: r.opFullHealthCheck,
	}
	for _, op := range allOps {
		if _, ok := table[op]; !ok {
			panic(fmt.Sprintf("tool operation %q has no handler", op))
		}
	}
	return table
}

type pairParams struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
}

func (p pairParams) resolve() (string, domain.Environment, error) {
	if p.Project == "" {
		return "", "", fmt.Errorf("project is required")
	}
	env, err := domain.ParseEnvironment(p.Environment)
	if err != nil {
		return "", "", err
	}
	return p.Project, env, nil
}

func (r *Router) opDeploy(ctx context.Context, actor string, params json.RawMessage) (any, error) {
	var payload struct {
		pairParams
		Image         string `json:"image"`
		Version       string `json:"version"`
		DeployID      string `json:"deployId"`
		EnvFile       string `json:"envFile"`
		ContainerPort int    `json:"containerPort"`
		AutoPromote   bool   `json:"autoPromote"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	project, env, err := payload.resolve()
	if err != nil {
		return nil, err
	}
	result, err := r.orch.Deploy(ctx, orchestrator.DeployRequest{
		ProjectName:   project,
		Environment:   env,
		Image:         payload.Image,
		Version:       payload.Version,
		Actor:         actor,
		DeployID:      payload.DeployID,
		EnvFile:       payload.EnvFile,
		ContainerPort: payload.ContainerPort,
		AutoPromote:   payload.AutoPromote,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"slot":       result.Slot,
		"port":       result.Port,
		"unitFile":   result.UnitFile,
		"previewUrl": result.PreviewURL,
		"promoted":   result.Promoted,
		"deployId":   result.DeployID,
	}, nil
}

func (r *Router) opPromote(ctx context.Context, actor string, params json.RawMessage) (any, error) {
	var payload struct {
		pairParams
		DeployID string `json:"deployId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	project, env, err := payload.resolve()
	if err != nil {
		return nil, err
	}
	result, err := r.orch.Promote(ctx, orchestrator.PromoteRequest{
		ProjectName: project,
		Environment: env,
		Actor:       actor,
		DeployID:    payload.DeployID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"slot":     result.Slot,
		"port":     result.Port,
		"previous": result.Previous,
	}, nil
}

func (r *Router) opRollback(ctx context.Context, actor string, params json.RawMessage) (any, error) {
	var payload pairParams
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	project, env, err := payload.resolve()
	if err != nil {
		return nil, err
	}
	result, err := r.orch.Rollback(ctx, orchestrator.RollbackRequest{
		ProjectName: project,
		Environment: env,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"slot": result.Slot,
		"port": result.Port,
		"noop": result.NoOp,
	}, nil
}

func (r *Router) opSlotStatus(ctx context.Context, _ string, params json.RawMessage) (any, error) {
	var payload pairParams
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	project, env, err := payload.resolve()
	if err != nil {
		return nil, err
	}
	pair, err := r.registry.Get(ctx, project, env)
	if err != nil {
		return nil, err
	}
	return toPairView(*pair), nil
}

func (r *Router) opSlotList(ctx context.Context, _ string, params json.RawMessage) (any, error) {
	var payload struct {
		Project     string `json:"project"`
		Environment string `json:"environment"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &payload); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	filter := repository.PairFilter{ProjectName: payload.Project}
	if payload.Environment != "" {
		env, err := domain.ParseEnvironment(payload.Environment)
		if err != nil {
			return nil, err
		}
		filter.Environment = env
	}
	pairs, err := r.registry.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]pairView, 0, len(pairs))
	for _, pair := range pairs {
		views = append(views, toPairView(pair))
	}
	return views, nil
}

func (r *Router) opSlotCleanup(ctx context.Context, actor string, params json.RawMessage) (any, error) {
	var payload pairParams
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	project, env, err := payload.resolve()
	if err != nil {
		return nil, err
	}
	changed, err := r.orch.Cleanup(ctx, project, env, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"released": changed}, nil
}

func (r *Router) opWorkflowScan(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	system, containers, err := r.detector.Scan(ctx)
	if err != nil {
		return nil, err
	}
	discovered := make([]map[string]any, 0, len(containers))
	for _, c := range containers {
		discovered = append(discovered, map[string]any{
			"name":        c.Name,
			"image":       c.Image,
			"port":        c.Port,
			"status":      c.Status,
			"project":     c.ProjectName,
			"environment": c.Environment,
			"prNumber":    c.PRNumber,
			"recognized":  c.Recognized,
		})
	}
	return map[string]any{
		"detectedSystem": system,
		"containers":     discovered,
	}, nil
}

func (r *Router) opMigrationPlan(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	system, containers, err := r.detector.Scan(ctx)
	if err != nil {
		return nil, err
	}
	plan := r.planner.Plan(system, containers)
	return toPlanView(plan), nil
}

// opFullHealthCheck probes every occupied slot's endpoint once and reports
// the live answer next to the registry's recorded status.
func (r *Router) opFullHealthCheck(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	pairs, err := r.registry.List(ctx, repository.PairFilter{})
	if err != nil {
		return nil, err
	}
	type slotHealth struct {
		Project     string `json:"project"`
		Environment string `json:"environment"`
		Slot        string `json:"slot"`
		State       string `json:"state"`
		Port        int    `json:"port"`
		Recorded    string `json:"recorded"`
		Live        bool   `json:"live"`
	}
	results := make([]slotHealth, 0, len(pairs)*2)
	for _, pair := range pairs {
		for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
			slot := pair.Slot(role)
			if !slot.Occupied() {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			live := r.gate.Probe(probeCtx, fmt.Sprintf("http://%s:%d%s", r.healthHost, slot.Port, r.healthPath))
			cancel()
			results = append(results, slotHealth{
				Project:     pair.ProjectName,
				Environment: string(pair.Environment),
				Slot:        string(role),
				State:       string(slot.State),
				Port:        slot.Port,
				Recorded:    string(slot.HealthStatus),
				Live:        live,
			})
		}
	}
	return map[string]any{"slots": results}, nil
}

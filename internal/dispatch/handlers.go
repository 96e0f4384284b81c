package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unitrack/unitrack/internal/audit"
	"github.com/unitrack/unitrack/internal/model"
)

const defaultSearchLimit = 50

func handleSearch(ctx context.Context, inv *Invocation) (*outcome, error) {
	limit := intArg(inv.Args, "limit", defaultSearchLimit)
	items, err := inv.Adapter.Search(ctx, stringArg(inv.Args, "query"), limit)
	if err != nil {
		return nil, err
	}
	return &outcome{
		Result: map[string]interface{}{"items": items, "total": len(items)},
		Items:  items,
	}, nil
}

func handleGetWorkItem(ctx context.Context, inv *Invocation) (*outcome, error) {
	item, err := inv.Adapter.FetchWorkItem(ctx, stringArg(inv.Args, "id"))
	if err != nil {
		return nil, err
	}
	return &outcome{
		Result: item,
		Items:  []*model.WorkItem{item},
	}, nil
}

func handleCreateWorkItem(ctx context.Context, inv *Invocation) (*outcome, error) {
	req := &model.CreateRequest{
		Project:     stringArg(inv.Args, "project"),
		Title:       stringArg(inv.Args, "title"),
		Description: stringArg(inv.Args, "description"),
		Type:        model.WorkItemType(stringArg(inv.Args, "type")),
		Priority:    model.Priority(stringArg(inv.Args, "priority")),
		AssigneeID:  stringArg(inv.Args, "assignee"),
		Extras:      mapArg(inv.Args, "extras"),
	}
	if req.Type == "" {
		req.Type = model.TypeTask
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNone
	}

	item, err := inv.Adapter.CreateWorkItem(ctx, req)
	if err != nil {
		return nil, err
	}
	return &outcome{
		Result: item,
		Items:  []*model.WorkItem{item},
		Audit: &audit.Entry{
			Action:       audit.ActionCreate,
			ResourceType: "work_item",
			ResourceID:   item.SourceID,
			After:        itemImage(item),
		},
	}, nil
}

func handleUpdateWorkItem(ctx context.Context, inv *Invocation) (*outcome, error) {
	id := stringArg(inv.Args, "id")

	// Fetch the before image first so the audit diff is complete.
	before, err := inv.Adapter.FetchWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	item, err := inv.Adapter.UpdateWorkItem(ctx, id, mapArg(inv.Args, "fields"))
	if err != nil {
		return nil, err
	}
	return &outcome{
		Result: item,
		Items:  []*model.WorkItem{item},
		Audit: &audit.Entry{
			Action:       audit.ActionUpdate,
			ResourceType: "work_item",
			ResourceID:   item.SourceID,
			Before:       itemImage(before),
			After:        itemImage(item),
		},
	}, nil
}

func handleTransitionWorkItem(ctx context.Context, inv *Invocation) (*outcome, error) {
	id := stringArg(inv.Args, "id")
	to := model.Status(stringArg(inv.Args, "to_status"))

	before, err := inv.Adapter.FetchWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	item, err := inv.Adapter.TransitionWorkItem(ctx, id, to, stringArg(inv.Args, "comment"))
	if err != nil {
		return nil, err
	}
	return &outcome{
		Result: item,
		Items:  []*model.WorkItem{item},
		Audit: &audit.Entry{
			Action:       audit.ActionTransition,
			ResourceType: "work_item",
			ResourceID:   item.SourceID,
			Before:       map[string]interface{}{"status": string(before.Status)},
			After:        map[string]interface{}{"status": string(item.Status)},
		},
	}, nil
}

func handleAddComment(ctx context.Context, inv *Invocation) (*outcome, error) {
	id := stringArg(inv.Args, "id")
	comment, err := inv.Adapter.AddComment(ctx, id, stringArg(inv.Args, "body"))
	if err != nil {
		return nil, err
	}
	comment.WorkItemID = id
	return &outcome{
		Result:   comment,
		Comments: []*model.Comment{comment},
		Audit: &audit.Entry{
			Action:       audit.ActionComment,
			ResourceType: "comment",
			ResourceID:   comment.SourceID,
			After: map[string]interface{}{
				"work_item_id": id,
				"body":         comment.Body,
			},
		},
	}, nil
}

func handleLinkWorkItems(ctx context.Context, inv *Invocation) (*outcome, error) {
	inward := stringArg(inv.Args, "inward_id")
	outward := stringArg(inv.Args, "outward_id")
	linkType := stringArg(inv.Args, "link_type")
	if linkType == "" {
		linkType = "relates_to"
	}

	if err := inv.Adapter.LinkWorkItems(ctx, inward, outward, linkType); err != nil {
		return nil, err
	}
	return &outcome{
		Result: map[string]interface{}{
			"inward_id":  inward,
			"outward_id": outward,
			"link_type":  linkType,
			"linked":     true,
		},
		Audit: &audit.Entry{
			Action:       audit.ActionLink,
			ResourceType: "work_item_link",
			ResourceID:   fmt.Sprintf("%s->%s", inward, outward),
			After: map[string]interface{}{
				"inward_id":  inward,
				"outward_id": outward,
				"link_type":  linkType,
			},
		},
	}, nil
}

func handleListTransitions(ctx context.Context, inv *Invocation) (*outcome, error) {
	id := stringArg(inv.Args, "id")
	transitions, err := inv.Adapter.FetchTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	if transitions == nil {
		transitions = []*model.Transition{}
	}
	return &outcome{
		Result:      map[string]interface{}{"transitions": transitions, "total": len(transitions)},
		Transitions: transitions,
	}, nil
}

// itemImage converts a work item into the generic map shape audit diffs
// use, via a JSON round trip.
func itemImage(item *model.WorkItem) map[string]interface{} {
	raw, err := json.Marshal(item)
	if err != nil {
		return map[string]interface{}{"source_id": item.SourceID}
	}
	var image map[string]interface{}
	if err := json.Unmarshal(raw, &image); err != nil {
		return map[string]interface{}{"source_id": item.SourceID}
	}
	return image
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func mapArg(args map[string]interface{}, key string) map[string]interface{} {
	m, _ := args[key].(map[string]interface{})
	return m
}

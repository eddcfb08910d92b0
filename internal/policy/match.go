package policy

import (
	"reflect"

	"github.com/tenantry/loom/pkg/schema"
)

// actionMatches reports whether the rule covers the action. An empty action
// list matches every action.
func actionMatches(ruleActions []string, action string) bool {
	if len(ruleActions) == 0 {
		return true
	}
	for _, a := range ruleActions {
		if a == action {
			return true
		}
	}
	return false
}

// subjectMatches checks role and attribute constraints. A nil match block
// matches any subject; role lists match on intersection; attributes must all
// be present and equal.
func subjectMatches(match *schema.SubjectMatch, subject schema.Subject) bool {
	if match == nil {
		return true
	}
	if len(match.Roles) > 0 && !rolesIntersect(match.Roles, subject.Roles) {
		return false
	}
	for k, want := range match.Attributes {
		got, ok := subject.Attributes[k]
		if !ok || !attrEquals(got, want) {
			return false
		}
	}
	return true
}

// rolesIntersect reports whether any required role appears in the subject's
// roles.
func rolesIntersect(required, held []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, r := range held {
		set[r] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// resourceMatches checks type and attribute constraints.
func resourceMatches(match *schema.ResourceMatch, resource schema.Resource) bool {
	if match == nil {
		return true
	}
	if len(match.Types) > 0 {
		found := false
		for _, t := range match.Types {
			if t == resource.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range match.Attributes {
		got, ok := resource.Attributes[k]
		if !ok || !attrEquals(got, want) {
			return false
		}
	}
	return true
}

// flagsPresent requires every rule flag to be present in the request flags.
func flagsPresent(required, present []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(present))
	for _, f := range present {
		set[f] = struct{}{}
	}
	for _, f := range required {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

// relationshipsSatisfied requires each relationship requirement to be met by
// some tuple the subject holds. The "$resource" sentinel object id matches
// the relation's object against the resource id, or against the resource
// type when no resource id is given — "user has role X on resource type Y"
// without per-instance grants.
func relationshipsSatisfied(reqs []schema.RelationshipRequirement, tuples []schema.RelationshipTuple, resource schema.Resource) bool {
	for _, req := range reqs {
		if !relationshipHolds(req, tuples, resource) {
			return false
		}
	}
	return true
}

func relationshipHolds(req schema.RelationshipRequirement, tuples []schema.RelationshipTuple, resource schema.Resource) bool {
	for _, tuple := range tuples {
		if tuple.Relation != req.Relation {
			continue
		}
		if req.ObjectType != "" && tuple.ObjectType != req.ObjectType {
			continue
		}
		switch req.ObjectID {
		case "":
			return true
		case schema.ResourceSentinel:
			if resource.ID != "" {
				if tuple.ObjectID == resource.ID {
					return true
				}
			} else if tuple.ObjectID == resource.Type {
				return true
			}
		default:
			if tuple.ObjectID == req.ObjectID {
				return true
			}
		}
	}
	return false
}

// attrEquals compares attribute values, normalizing numeric widths so JSON
// float64s match Go ints.
func attrEquals(a, b any) bool {
	if an, aok := numericAttr(a); aok {
		bn, bok := numericAttr(b)
		return bok && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func numericAttr(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

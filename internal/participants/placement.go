package participants

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
)

// Strategy selects how a new participant descends into the chosen leg of the sponsor.
type Strategy string

const (
	// StrategyBalanced fills the first open slot of the leg, level by level.
	StrategyBalanced Strategy = "balanced"
	// StrategyExtreme follows the leg along its outer edge to the first open slot.
	StrategyExtreme Strategy = "extreme"
)

// ParseStrategy validates raw input; an empty value selects StrategyBalanced.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StrategyBalanced:
		return StrategyBalanced, nil
	case StrategyExtreme:
		return StrategyExtreme, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
}

// Slot is an open (parent, position) pair.
type Slot struct {
	ParentID string
	Position tree.Position
}

// weakLeg returns the leg of id with fewer direct children, left on ties.
func weakLeg(ctx context.Context, store *tree.Store, id string) (tree.Position, error) {
	_, hasLeft, err := store.Child(ctx, id, tree.PositionLeft)
	if err != nil {
		return "", err
	}
	_, hasRight, err := store.Child(ctx, id, tree.PositionRight)
	if err != nil {
		return "", err
	}
	if hasLeft && !hasRight {
		return tree.PositionRight, nil
	}
	return tree.PositionLeft, nil
}

// findSlot locates an open slot in the side leg of sponsorID.
func findSlot(ctx context.Context, store *tree.Store, sponsorID string, side tree.Position, strategy Strategy) (Slot, error) {
	if strategy == StrategyExtreme {
		return extremeSlot(ctx, store, sponsorID, side)
	}
	return balancedSlot(ctx, store, sponsorID, side)
}

// balancedSlot searches the leg breadth first and places under the first node missing a child,
// on that node's weak leg.
func balancedSlot(ctx context.Context, store *tree.Store, sponsorID string, side tree.Position) (Slot, error) {
	head, occupied, err := store.Child(ctx, sponsorID, side)
	if err != nil {
		return Slot{}, err
	}
	if !occupied {
		return Slot{ParentID: sponsorID, Position: side}, nil
	}

	visited := map[string]struct{}{head.ID: {}}
	queue := []string{head.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := store.Children(ctx, current)
		if err != nil {
			return Slot{}, err
		}
		var left, right string
		for _, child := range children {
			switch child.Position {
			case tree.PositionLeft:
				left = child.ID
			case tree.PositionRight:
				right = child.ID
			}
		}
		if left == "" {
			return Slot{ParentID: current, Position: tree.PositionLeft}, nil
		}
		if right == "" {
			return Slot{ParentID: current, Position: tree.PositionRight}, nil
		}
		for _, next := range []string{left, right} {
			if _, seen := visited[next]; seen {
				return Slot{}, fmt.Errorf("%w: %s reached twice in leg of %s", tree.ErrCycleDetected, next, sponsorID)
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return Slot{}, fmt.Errorf("%w: below %s", ErrNoOpenSlot, sponsorID)
}

// extremeSlot follows side from sponsorID until it finds a node without a child on that side.
func extremeSlot(ctx context.Context, store *tree.Store, sponsorID string, side tree.Position) (Slot, error) {
	current := sponsorID
	for depth := 0; depth <= store.MaxDepth(); depth++ {
		child, occupied, err := store.Child(ctx, current, side)
		if err != nil {
			return Slot{}, err
		}
		if !occupied {
			return Slot{ParentID: current, Position: side}, nil
		}
		current = child.ID
	}
	return Slot{}, fmt.Errorf("%w: %s edge of %s deeper than %d", tree.ErrDepthExceeded, side, sponsorID, store.MaxDepth())
}

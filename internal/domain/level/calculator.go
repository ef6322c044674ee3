// Package level maps cumulative XP to levels and back.
//
// The cost of going from level L to L+1 grows linearly (40, 55, 70, ...),
// so the cumulative curve is quadratic. All functions are pure.
package level

import "fmt"

const (
	// MinLevel is the level every balance starts at.
	MinLevel = 1

	// MaxLevel is the level ceiling; XP beyond TotalXP(MaxLevel) stays at MaxLevel.
	MaxLevel = 1000

	baseDelta  = 40
	deltaSlope = 15

	// DefaultMissionXP is granted for difficulties outside the table.
	DefaultMissionXP = 50
)

var missionXPByDifficulty = map[int]int{
	1: 50,
	2: 100,
	3: 200,
	4: 400,
	5: 800,
}

// XPDelta returns the XP needed to go from level l to l+1.
// It panics when l < 1.
func XPDelta(l int) int {
	if l < MinLevel {
		panic(fmt.Sprintf("level: invalid level %d", l))
	}
	return baseDelta + deltaSlope*(l-1)
}

// TotalXP returns the cumulative XP required to reach level l, TotalXP(1) == 0.
// It panics when l < 1.
func TotalXP(l int) int {
	if l < MinLevel {
		panic(fmt.Sprintf("level: invalid level %d", l))
	}
	// (l-1)(25 + 7.5l) written without floats; (l-1)(50+15l) is always even.
	return (l - 1) * (50 + 15*l) / 2
}

// CalculateLevel returns the largest level in [MinLevel, MaxLevel] whose
// TotalXP does not exceed xp. Negative XP maps to MinLevel.
func CalculateLevel(xp int) int {
	if xp <= 0 {
		return MinLevel
	}
	if xp >= TotalXP(MaxLevel) {
		return MaxLevel
	}

	lo, hi := MinLevel, MaxLevel
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if TotalXP(mid) <= xp {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// CalculateMissionXP returns the completion XP for a mission difficulty.
func CalculateMissionXP(difficulty int) int {
	if xp, ok := missionXPByDifficulty[difficulty]; ok {
		return xp
	}
	return DefaultMissionXP
}

// XPToNextLevel returns how much XP is still missing to reach the next level.
func XPToNextLevel(xp int) int {
	remaining := TotalXP(CalculateLevel(xp)+1) - xp
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Progress returns the fraction of the current level's span already earned.
func Progress(xp int) float64 {
	span := XPDelta(CalculateLevel(xp))
	earned := span - XPToNextLevel(xp)

	p := float64(earned) / float64(span)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// PointsToNextLevel returns the XP missing to the level after lvl, given the
// stored xp of a balance. Used by level-up notifications, never negative.
func PointsToNextLevel(lvl, xp int) int {
	if lvl < MinLevel {
		lvl = MinLevel
	}
	remaining := TotalXP(lvl+1) - xp
	if remaining < 0 {
		return 0
	}
	return remaining
}

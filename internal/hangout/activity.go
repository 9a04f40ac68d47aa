package hangout

import "time"

// ActivityScore 根据最近活跃时间给出 20~100 的分数，越近越高。
func ActivityScore(lastActive, now time.Time) int {
	if lastActive.IsZero() {
		return 20
	}
	since := now.Sub(lastActive)
	switch {
	case since < time.Hour:
		return 100
	case since < 24*time.Hour:
		return 80
	case since < 72*time.Hour:
		return 60
	case since < 7*24*time.Hour:
		return 40
	default:
		return 20
	}
}

// Candidate 是所有权自动移交时参与排名的 co-admin。
type Candidate struct {
	UserID     uint
	LastActive time.Time
}

// SelectSuccessor 选出分数最高的候选人，同分取 user id 最小者。
func SelectSuccessor(candidates []Candidate, now time.Time) (uint, bool) {
	var (
		best      uint
		bestScore = -1
	)
	for _, c := range candidates {
		score := ActivityScore(c.LastActive, now)
		if score > bestScore || (score == bestScore && c.UserID < best) {
			best, bestScore = c.UserID, score
		}
	}
	return best, bestScore >= 0
}

package replay

import "fmt"

// Logical court dimensions. Every position in a Snapshot is expressed in
// these units; renderers scale them to the surface.
const (
	CourtWidth   = 800
	CourtHeight  = 480
	PaddleHeight = 80
	PaddleWidth  = 12
	BallSize     = 12
)

// Snapshot is one instant of a match.
type Snapshot struct {
	RoomID        string  `json:"roomId"`
	BallX         float64 `json:"ballX"`
	BallY         float64 `json:"ballY"`
	BallVelocityX float64 `json:"ballVelocityX"`
	BallVelocityY float64 `json:"ballVelocityY"`
	LeftPaddleY   float64 `json:"leftPaddleY"`
	RightPaddleY  float64 `json:"rightPaddleY"`
	LeftScore     int     `json:"leftScore"`
	RightScore    int     `json:"rightScore"`
	TargetScore   int     `json:"targetScore"`
	Finished      bool    `json:"finished"`
}

// Record pairs a snapshot with its offset from the start of the replay.
type Record struct {
	OffsetMs int64    `json:"offsetMs"`
	Snapshot Snapshot `json:"snapshot"`
}

func (s Snapshot) validate() error {
	if s.LeftScore < 0 || s.RightScore < 0 || s.TargetScore < 0 {
		return fmt.Errorf("negative score %d:%d (target %d)", s.LeftScore, s.RightScore, s.TargetScore)
	}
	return nil
}

// checkNext verifies that next may follow prev in a timeline.
func checkNext(prev, next Record) error {
	if next.OffsetMs < prev.OffsetMs {
		return fmt.Errorf("offset %d goes backwards from %d", next.OffsetMs, prev.OffsetMs)
	}
	if next.Snapshot.LeftScore < prev.Snapshot.LeftScore || next.Snapshot.RightScore < prev.Snapshot.RightScore {
		return fmt.Errorf("score %d:%d decreases from %d:%d",
			next.Snapshot.LeftScore, next.Snapshot.RightScore,
			prev.Snapshot.LeftScore, prev.Snapshot.RightScore)
	}
	if prev.Snapshot.Finished && !next.Snapshot.Finished {
		return fmt.Errorf("finished match resumes at offset %d", next.OffsetMs)
	}
	return nil
}

func checkRecord(r Record) error {
	if r.OffsetMs < 0 {
		return fmt.Errorf("negative offset %d", r.OffsetMs)
	}
	return r.Snapshot.validate()
}

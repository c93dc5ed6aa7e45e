package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DriftResult — оценка отклонения очередного ответа агента от базового
type DriftResult struct {
	Score        float64 `json:"drift_score"`
	Exceeded     bool    `json:"exceeded"`
	Threshold    float64 `json:"threshold"`
	BaselineHash string  `json:"baseline_hash"`
	CurrentHash  string  `json:"current_hash"`
}

func (r DriftResult) String() string {
	status := "OK"
	if r.Exceeded {
		status = "EXCEEDED"
	}
	return fmt.Sprintf("drift %.4f (threshold %.4f) %s", r.Score, r.Threshold, status)
}

// DriftTracker хранит базовый ответ сессии. Не потокобезопасен:
// владелец (контекст исполнения) вызывает его под своим мьютексом.
type DriftTracker struct {
	baseline     string
	baselineHash string
	scores       []float64
}

// Observe: первый ответ становится базовым (ok=false). Порог 0 отключает отслеживание.
func (t *DriftTracker) Observe(output string, threshold float64, cmp Comparator) (DriftResult, bool) {
	if threshold <= 0 {
		return DriftResult{}, false
	}
	if t.baselineHash == "" {
		t.baseline = output
		t.baselineHash = Fingerprint(output)
		return DriftResult{}, false
	}
	score := 1 - Similarity(t.baseline, output)
	t.scores = append(t.scores, score)
	return DriftResult{
		Score:        score,
		Exceeded:     cmp.Trips(score, threshold),
		Threshold:    threshold,
		BaselineHash: t.baselineHash,
		CurrentHash:  Fingerprint(output),
	}, true
}

func (t *DriftTracker) BaselineHash() string { return t.baselineHash }

// Last — последняя оценка, используется как дрейф следующего запроса
func (t *DriftTracker) Last() (float64, bool) {
	if len(t.scores) == 0 {
		return 0, false
	}
	return t.scores[len(t.scores)-1], true
}

func (t *DriftTracker) Scores() []float64 {
	return append([]float64(nil), t.scores...)
}

func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Similarity — коэффициент Дайса по биграммам символов, [0,1].
// Для строк короче двух символов — точное совпадение.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}
	grams := make(map[[2]rune]int, len(ra))
	for i := 0; i+1 < len(ra); i++ {
		grams[[2]rune{ra[i], ra[i+1]}]++
	}
	shared := 0
	for i := 0; i+1 < len(rb); i++ {
		g := [2]rune{rb[i], rb[i+1]}
		if grams[g] > 0 {
			grams[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ra)-1+len(rb)-1)
}

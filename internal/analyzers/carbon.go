package analyzers

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"auditbuddy/internal/domain"
)

// Sustainable Web Design model constants.
const (
	kWhPerGB        = 0.81
	gridGramsPerKWh = 442
	monthlyViews    = 10000
	maxSizedAssets  = 40
)

var carbonPercentiles = []struct {
	grams float64
	rank  int
}{
	{0.5, 90},
	{1.0, 75},
	{2.0, 50},
	{4.0, 25},
	{6.0, 10},
}

type carbonRecommendation struct {
	Type        string `json:"type"`
	PotentialKB int64  `json:"potentialKb"`
	Description string `json:"description"`
}

type carbonReport struct {
	PageBytes       int64                  `json:"pageBytes"`
	ImageBytes      int64                  `json:"imageBytes"`
	ScriptBytes     int64                  `json:"scriptBytes"`
	TotalBytes      int64                  `json:"totalBytes"`
	CO2PerPageGrams float64                `json:"co2PerPageGrams"`
	AnnualKg        float64                `json:"annualEmissionsKg"`
	CleanerThan     int                    `json:"cleanerThan"`
	Recommendations []carbonRecommendation `json:"recommendations"`
}

type carbon struct {
	base
	fetch *Fetcher
}

// NewCarbon estimates grams of CO2 per view from transferred bytes
// (bytes/1e9 * 0.81 kWh/GB * 442 g/kWh) and scores 100 - 40*grams.
func NewCarbon(f *Fetcher, timeout time.Duration) Analyzer {
	return &carbon{base: base{name: "carbon", timeout: timeout}, fetch: f}
}

func (a *carbon) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, fmt.Errorf("parse html: %w", err))
	}

	type asset struct {
		url    string
		script bool
	}
	var assets []asset
	for _, img := range elements(doc, "img") {
		if u, ok := resolve(page.URL, attrOr(img, "src")); ok {
			assets = append(assets, asset{u.String(), false})
		}
	}
	for _, s := range elements(doc, "script") {
		if u, ok := resolve(page.URL, attrOr(s, "src")); ok {
			assets = append(assets, asset{u.String(), true})
		}
	}
	if len(assets) > maxSizedAssets {
		assets = assets[:maxSizedAssets]
	}

	r := &carbonReport{PageBytes: page.WireBytes, Recommendations: []carbonRecommendation{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bundleConcurrency)
	for _, as := range assets {
		g.Go(func() error {
			n, err := a.fetch.Size(gctx, as.url)
			if err != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if as.script {
				r.ScriptBytes += n
			} else {
				r.ImageBytes += n
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return outcome(0, nil, ctx.Err())
	}

	r.TotalBytes = r.PageBytes + r.ImageBytes + r.ScriptBytes
	r.CO2PerPageGrams = float64(r.TotalBytes) / 1e9 * kWhPerGB * gridGramsPerKWh
	r.AnnualKg = r.CO2PerPageGrams * monthlyViews * 12 / 1000
	r.CleanerThan = cleanerThan(r.CO2PerPageGrams)
	if r.ImageBytes > 500000 {
		r.Recommendations = append(r.Recommendations, carbonRecommendation{
			Type: "images", PotentialKB: (r.ImageBytes - 500000) / 1024,
			Description: "Optimize and compress images to reduce their size",
		})
	}
	if r.ScriptBytes > 300000 {
		r.Recommendations = append(r.Recommendations, carbonRecommendation{
			Type: "javascript", PotentialKB: (r.ScriptBytes - 300000) / 1024,
			Description: "Minimize JavaScript and remove unused code",
		})
	}
	score := int(math.Round(math.Max(0, 100-40*r.CO2PerPageGrams)))
	return outcome(score, r, nil)
}

func cleanerThan(grams float64) int {
	for _, p := range carbonPercentiles {
		if grams <= p.grams {
			return p.rank
		}
	}
	return 0
}

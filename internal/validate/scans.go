package validate

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// factRec is what later passes need to know about one fact. The index is
// the only validator state that grows with the fact count.
type factRec struct {
	customer string
}

type latPair struct {
	in  []float64
	out []float64
}

type rateCounter struct {
	hits  int
	total int
}

func (c *rateCounter) observe(hit bool) {
	c.total++
	if hit {
		c.hits++
	}
}

func (c *rateCounter) rate() float64 {
	return Ratio(float64(c.hits), float64(c.total))
}

// scanFacts streams the canonical table: it builds the transaction index
// the derived-table passes resolve against and recomputes the incident
// latency and timeout evidence from rows alone.
func (r *Runner) scanFacts(ctx context.Context, s *Summary, cont *containment) (map[string]factRec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inc := &r.scn.Incident
	incWin := inc.Window()

	facts := make(map[string]factRec)
	days := make(map[string]struct{})
	outcomes := make(map[string]int)
	affected := latPair{}
	bystanders := make(map[string]*latPair)
	regions := make(map[string]*latPair)
	var affectedIn, affectedOut rateCounter
	corridorIn := make([]rateCounter, len(r.scn.Confounders))
	corridorOut := make([]rateCounter, len(r.scn.Confounders))
	var maxDrift float64
	var duplicates, coherence int

	err := eachRow(r.dir, tables.TxnFacts, s.TableRows, func(t *tableReader, row []string) error {
		id := strings.Clone(t.Col(row, "transaction_id"))
		start, err := parseTS(t.Col(row, "start_ts"))
		if err != nil {
			return fmt.Errorf("fact %s: bad start_ts: %w", id, err)
		}
		end, err := parseTS(t.Col(row, "end_ts"))
		if err != nil {
			return fmt.Errorf("fact %s: bad end_ts: %w", id, err)
		}
		latency, err := strconv.ParseFloat(t.Col(row, "end_to_end_latency_ms"), 64)
		if err != nil {
			return fmt.Errorf("fact %s: bad latency: %w", id, err)
		}
		cont.observe(start)
		cont.observe(end)
		days[start.UTC().Format(time.DateOnly)] = struct{}{}

		if _, exists := facts[id]; exists {
			duplicates++
		}
		facts[id] = factRec{customer: strings.Clone(t.Col(row, "customer_id"))}

		drift := math.Abs(latency - float64(end.Sub(start))/float64(time.Millisecond))
		if drift > maxDrift {
			maxDrift = drift
		}

		outcome := t.Col(row, "outcome")
		errCode := t.Col(row, "error_code")
		outcomes[outcome]++
		switch outcome {
		case "completed":
			if errCode != "" {
				coherence++
			}
		case "timeout", "error":
			if errCode == "" {
				coherence++
			}
		default:
			coherence++
		}

		region := t.Col(row, "origin_region")
		txnType := t.Col(row, "txn_type")
		inIncident := incWin.Contains(start)
		timedOut := outcome == "timeout"

		rp := regions[region]
		if rp == nil {
			rp = &latPair{}
			regions[strings.Clone(region)] = rp
		}
		if inIncident {
			rp.in = append(rp.in, latency)
		} else {
			rp.out = append(rp.out, latency)
		}

		if region == inc.SrcRegion && inc.Affects(txnType) {
			if inIncident {
				affected.in = append(affected.in, latency)
				affectedIn.observe(timedOut)
			} else {
				affected.out = append(affected.out, latency)
				affectedOut.observe(timedOut)
			}
		} else {
			key := region + "/" + txnType
			pair := bystanders[key]
			if pair == nil {
				pair = &latPair{}
				bystanders[key] = pair
			}
			if inIncident {
				pair.in = append(pair.in, latency)
			} else {
				pair.out = append(pair.out, latency)
			}
		}

		// Corridor timeout rates per confounder, measured outside the
		// incident window so its own bursts cannot masquerade as a
		// confounder effect.
		if !inIncident && (region == inc.SrcRegion || region == inc.DstRegion) {
			for i := range r.scn.Confounders {
				if r.scn.Confounders[i].Contains(start) {
					corridorIn[i].observe(timedOut)
				} else {
					corridorOut[i].observe(timedOut)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Facts.Rows = len(facts) + duplicates
	s.Facts.Days = len(days)
	s.Facts.Outcomes = outcomes
	s.Facts.MaxLatencyDriftMS = maxDrift

	statsIn := ComputeStats(affected.in)
	statsOut := ComputeStats(affected.out)
	s.Incident.AffectedIn = statsIn
	s.Incident.AffectedOut = statsOut
	s.Incident.LatencyMultiplier = Ratio(statsIn.P95, statsOut.P95)
	s.Incident.RegionMultipliers = make(map[string]float64, len(regions))
	for name, pair := range regions {
		s.Incident.RegionMultipliers[name] = Ratio(ComputeStats(pair.in).P95, ComputeStats(pair.out).P95)
	}
	s.Incident.TimeoutRateIn = affectedIn.rate()
	s.Incident.TimeoutRateOut = affectedOut.rate()
	s.Incident.TimeoutMultiplier = Ratio(s.Incident.TimeoutRateIn, s.Incident.TimeoutRateOut)

	var worst string
	var worstMult float64
	for _, key := range slices.Sorted(maps.Keys(bystanders)) {
		pair := bystanders[key]
		if len(pair.in) < r.th.MinSliceSamples || len(pair.out) < r.th.MinSliceSamples {
			continue
		}
		mult := Ratio(ComputeStats(pair.in).P95, ComputeStats(pair.out).P95)
		if mult > worstMult {
			worst, worstMult = key, mult
		}
	}
	s.Incident.WorstBystander = worst
	s.Incident.WorstBystanderMultiplier = worstMult

	for i := range s.Confounders {
		if corridorIn[i].total >= r.th.MinSliceSamples {
			s.Confounders[i].TimeoutRateDelta = corridorIn[i].rate() - corridorOut[i].rate()
		}
	}

	r.check(s, "transaction ids are unique", duplicates == 0,
		fmt.Sprintf("%d duplicate ids", duplicates))
	r.check(s, "facts keep latency consistent with their bounds", maxDrift <= r.th.MaxLatencyDriftMS,
		fmt.Sprintf("max drift %.4fms (want <= %.4fms)", maxDrift, r.th.MaxLatencyDriftMS))
	r.check(s, "error codes follow outcomes", coherence == 0,
		fmt.Sprintf("%d incoherent rows", coherence))
	expectDays := calendarDays(r.scn.Window)
	r.check(s, "every calendar day is represented", len(days) == expectDays,
		fmt.Sprintf("%d distinct days (want %d)", len(days), expectDays))
	r.check(s, "affected slice p95 inflates inside the incident",
		s.Incident.LatencyMultiplier >= r.th.MinIncidentMultiplier,
		fmt.Sprintf("p95 %.0fms in vs %.0fms out, %.2fx (want >= %.2fx)",
			statsIn.P95, statsOut.P95, s.Incident.LatencyMultiplier, r.th.MinIncidentMultiplier))
	r.check(s, "bystander slices hold their baseline",
		worstMult <= r.th.MaxBystanderMultiplier,
		fmt.Sprintf("worst %s at %.2fx (want <= %.2fx)", worst, worstMult, r.th.MaxBystanderMultiplier))
	r.check(s, "affected slice timeouts inflate inside the incident",
		s.Incident.TimeoutMultiplier >= r.th.MinTimeoutMultiplier,
		fmt.Sprintf("%.3f in vs %.3f out, %.2fx (want >= %.2fx)",
			s.Incident.TimeoutRateIn, s.Incident.TimeoutRateOut,
			s.Incident.TimeoutMultiplier, r.th.MinTimeoutMultiplier))
	return facts, nil
}

// calendarDays counts the UTC calendar days the half-open window touches.
func calendarDays(w scenario.Window) int {
	start := w.Start.UTC()
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	n := 0
	for day.Before(w.End) {
		n++
		day = day.AddDate(0, 0, 1)
	}
	return n
}

func (r *Runner) scanAppLogs(ctx context.Context, s *Summary, cont *containment, facts map[string]factRec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	received := make(map[string]int)
	var total, receivedTotal, unresolved int

	err := eachRow(r.dir, tables.AppLogs, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("app log row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		total++
		if _, ok := facts[t.Col(row, "transaction_id")]; !ok {
			unresolved++
		}
		if t.Col(row, "event") == "received" {
			received[strings.Clone(t.Col(row, "region"))]++
			receivedTotal++
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Referential.AppLogResolution = Ratio(float64(total-unresolved), float64(total))
	s.Facts.RegionShares = make(map[string]float64, len(received))
	for region, n := range received {
		s.Facts.RegionShares[region] = Ratio(float64(n), float64(receivedTotal))
	}

	r.check(s, "app log transactions resolve to facts", unresolved == 0,
		fmt.Sprintf("%d of %d rows unresolved", unresolved, total))
	r.check(s, "every fact opens exactly one received event", receivedTotal == s.Facts.Rows,
		fmt.Sprintf("%d received events for %d facts", receivedTotal, s.Facts.Rows))

	var totalWeight float64
	for _, rw := range r.scn.Regions {
		totalWeight += rw.Weight
	}
	sharesOK := true
	var detail string
	for _, rw := range r.scn.Regions {
		want := rw.Weight / totalWeight
		got := s.Facts.RegionShares[rw.Name]
		if math.Abs(got-want) > r.th.RegionSharePP {
			sharesOK = false
			detail = fmt.Sprintf("%s at %.3f (want %.3f +/- %.3f)", rw.Name, got, want, r.th.RegionSharePP)
			break
		}
	}
	if detail == "" {
		detail = fmt.Sprintf("%d regions within %.3f of their weights", len(r.scn.Regions), r.th.RegionSharePP)
	}
	r.check(s, "received events match the region mix", sharesOK, detail)
	return nil
}

// spanRow is one buffered span of the trace currently being read. Spans of
// a trace are emitted contiguously, so one small buffer per trace is
// enough to walk parent links.
type spanRow struct {
	span   string
	parent string
	txn    string
	ts     time.Time
}

func (r *Runner) scanSpans(ctx context.Context, s *Summary, cont *containment, facts map[string]factRec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var total, unresolved, roots, skewViolations, mixedTraces int

	var trace string
	var chain []spanRow
	flush := func() {
		if len(chain) == 0 {
			return
		}
		byID := make(map[string]time.Time, len(chain))
		for _, sp := range chain {
			byID[sp.span] = sp.ts
		}
		for _, sp := range chain {
			if sp.txn != chain[0].txn {
				mixedTraces++
			}
			if sp.parent == "" {
				continue
			}
			parentTS, ok := byID[sp.parent]
			if !ok || sp.ts.Before(parentTS.Add(-r.th.SpanSkewAllowance)) {
				skewViolations++
			}
		}
		chain = chain[:0]
	}

	err := eachRow(r.dir, tables.TraceSpans, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("span row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		total++
		if _, ok := facts[t.Col(row, "transaction_id")]; !ok {
			unresolved++
		}
		if t.Col(row, "parent_span_id") == "" {
			roots++
		}
		if id := t.Col(row, "trace_id"); id != trace {
			flush()
			trace = strings.Clone(id)
		}
		chain = append(chain, spanRow{
			span:   strings.Clone(t.Col(row, "span_id")),
			parent: strings.Clone(t.Col(row, "parent_span_id")),
			txn:    strings.Clone(t.Col(row, "transaction_id")),
			ts:     ts,
		})
		return nil
	})
	if err != nil {
		return err
	}
	flush()

	children := total - roots
	s.Referential.SpanResolution = Ratio(float64(total-unresolved), float64(total))
	s.Referential.SpanChainsWithinSkew = Ratio(float64(children-skewViolations), float64(children))

	r.check(s, "trace spans resolve to facts", unresolved == 0,
		fmt.Sprintf("%d of %d rows unresolved", unresolved, total))
	r.check(s, "every fact opens exactly one root span", roots == s.Facts.Rows,
		fmt.Sprintf("%d root spans for %d facts", roots, s.Facts.Rows))
	r.check(s, "span chains stay within clock skew", skewViolations == 0,
		fmt.Sprintf("%d of %d child spans precede their parent by more than %s",
			skewViolations, children, r.th.SpanSkewAllowance))
	r.check(s, "each trace binds a single transaction", mixedTraces == 0,
		fmt.Sprintf("%d spans with a foreign transaction", mixedTraces))
	return nil
}

func (r *Runner) scanNetwork(ctx context.Context, s *Summary, cont *containment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inc := &r.scn.Incident
	incWin := inc.Window()

	var rttIn, rttOut []float64
	rttConf := make([][]float64, len(r.scn.Confounders))

	err := eachRow(r.dir, tables.NetworkMetrics, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("network row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		if t.Col(row, "circuit_id") != inc.CircuitID {
			return nil
		}
		rtt, err := strconv.ParseFloat(t.Col(row, "rtt_ms"), 64)
		if err != nil {
			return fmt.Errorf("network row %d: bad rtt: %w", t.Rows(), err)
		}
		switch {
		case incWin.Contains(ts):
			rttIn = append(rttIn, rtt)
		default:
			clean := true
			for i := range r.scn.Confounders {
				if r.scn.Confounders[i].Contains(ts) {
					rttConf[i] = append(rttConf[i], rtt)
					clean = false
				}
			}
			if clean {
				rttOut = append(rttOut, rtt)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	statsIn := ComputeStats(rttIn)
	statsOut := ComputeStats(rttOut)
	s.Incident.CircuitRTTIn = statsIn
	s.Incident.CircuitRTTOut = statsOut
	s.Incident.CircuitMultiplier = Ratio(statsIn.P95, statsOut.P95)
	for i := range s.Confounders {
		s.Confounders[i].CircuitRTTShift = Ratio(ComputeStats(rttConf[i]).P95, statsOut.P95)
	}

	r.check(s, "incident circuit rtt inflates inside the incident",
		s.Incident.CircuitMultiplier >= r.th.MinCircuitMultiplier,
		fmt.Sprintf("p95 %.1fms in vs %.1fms out, %.2fx (want >= %.2fx)",
			statsIn.P95, statsOut.P95, s.Incident.CircuitMultiplier, r.th.MinCircuitMultiplier))
	return nil
}

func (r *Runner) scanInfra(ctx context.Context, s *Summary, cont *containment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	signal := make([]latPair, len(r.scn.Confounders))

	err := eachRow(r.dir, tables.InfraMetrics, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("infra row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		region := t.Col(row, "region")
		for i := range r.scn.Confounders {
			c := &r.scn.Confounders[i]
			if !c.InScope(region) {
				continue
			}
			var column string
			switch c.Kind {
			case scenario.ConfounderCPUSpike:
				column = "cpu_pct"
			case scenario.ConfounderDeploymentBlip:
				column = "net_errs_per_s"
			default:
				continue
			}
			v, err := strconv.ParseFloat(t.Col(row, column), 64)
			if err != nil {
				return fmt.Errorf("infra row %d: bad %s: %w", t.Rows(), column, err)
			}
			if c.Contains(ts) {
				signal[i].in = append(signal[i].in, v)
			} else {
				signal[i].out = append(signal[i].out, v)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range s.Confounders {
		s.Confounders[i].SignalMultiplier = Ratio(ComputeStats(signal[i].in).P95, ComputeStats(signal[i].out).P95)
	}
	return nil
}

func (r *Runner) scanTso(ctx context.Context, s *Summary, cont *containment, facts map[string]factRec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var tp, missing, fabricated, wrong int

	err := eachRow(r.dir, tables.TsoCalls, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("tso row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		ref := t.Col(row, "transaction_id")
		switch rec, ok := facts[ref]; {
		case ref == "":
			missing++
		case !ok:
			fabricated++
		case rec.customer != t.Col(row, "customer_id"):
			wrong++
		default:
			tp++
		}
		return nil
	})
	if err != nil {
		return err
	}

	calls := tp + missing + fabricated + wrong
	s.Tso = TsoSummary{
		Calls:         calls,
		TruePositive:  tp,
		Missing:       missing,
		Fabricated:    fabricated,
		WrongCustomer: wrong,
		Rates: map[string]float64{
			"missing":        Ratio(float64(missing), float64(calls)),
			"fabricated":     Ratio(float64(fabricated), float64(calls)),
			"wrong_customer": Ratio(float64(wrong), float64(calls)),
		},
		Targets: map[string]float64{
			"missing":        r.targets.Missing.Rate,
			"fabricated":     r.targets.Fabricated.Rate,
			"wrong_customer": r.targets.WrongCustomer.Rate,
		},
		ToleranceApplied: calls >= r.th.MinCallsForTolerance,
	}
	nonEmpty := calls - missing
	s.Referential.TsoResolution = Ratio(float64(tp+wrong), float64(nonEmpty))

	for _, class := range []string{"missing", "fabricated", "wrong_customer"} {
		got := s.Tso.Rates[class]
		want := s.Tso.Targets[class]
		name := "tso " + strings.ReplaceAll(class, "_", " ") + " rate meets its target"
		if !s.Tso.ToleranceApplied {
			// Too few calls to judge the rate; the discrepancy is reported,
			// not failed.
			r.check(s, name, true,
				fmt.Sprintf("%.4f vs target %.4f, unjudged below %d calls (%d seen)",
					got, want, r.th.MinCallsForTolerance, calls))
			continue
		}
		r.check(s, name, math.Abs(got-want) <= r.th.TolerancePP,
			fmt.Sprintf("%.4f vs target %.4f (tolerance %.3f over %d calls)",
				got, want, r.th.TolerancePP, calls))
	}
	return nil
}

func (r *Runner) scanTier2(ctx context.Context, s *Summary, cont *containment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tableExists(r.dir, tables.ServiceMetrics) {
		if err := r.scanServiceMetrics(s, cont); err != nil {
			return err
		}
	}
	if tableExists(r.dir, tables.NetworkEvents) {
		if err := r.scanNetworkEvents(s, cont); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) scanServiceMetrics(s *Summary, cont *containment) error {
	var last time.Time
	var requests, disorder, inconsistent int

	err := eachRow(r.dir, tables.ServiceMetrics, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("service metric row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		if ts.Before(last) {
			disorder++
		}
		last = ts
		req, err := strconv.Atoi(t.Col(row, "req_count"))
		if err != nil {
			return fmt.Errorf("service metric row %d: bad req_count: %w", t.Rows(), err)
		}
		requests += req
		p50, err1 := strconv.ParseFloat(t.Col(row, "p50_latency_ms"), 64)
		p95, err2 := strconv.ParseFloat(t.Col(row, "p95_latency_ms"), 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("service metric row %d: bad percentiles", t.Rows())
		}
		if req < 1 || p95 < p50 {
			inconsistent++
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.check(s, "service metrics stay ordered and consistent", disorder == 0 && inconsistent == 0,
		fmt.Sprintf("%d out-of-order rows, %d inconsistent rows", disorder, inconsistent))
	r.check(s, "service metric request totals match the fact stream", requests == s.Facts.Rows,
		fmt.Sprintf("%d bucketed requests for %d facts", requests, s.Facts.Rows))
	return nil
}

func (r *Runner) scanNetworkEvents(s *Summary, cont *containment) error {
	inc := &r.scn.Incident
	alerts := &AlertSummary{}

	err := eachRow(r.dir, tables.NetworkEvents, s.TableRows, func(t *tableReader, row []string) error {
		ts, err := parseTS(t.Col(row, "timestamp"))
		if err != nil {
			return fmt.Errorf("network event row %d: bad timestamp: %w", t.Rows(), err)
		}
		cont.observe(ts)
		if t.Col(row, "severity") != "critical" {
			return nil
		}
		alerts.CriticalTotal++
		if t.Col(row, "circuit_id") == inc.CircuitID && inc.Contains(ts) {
			alerts.TruePositive++
		} else {
			alerts.FalsePositive++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if alerts.TruePositive == 0 {
		alerts.FalseNegative = 1
	}
	s.Alerts = alerts

	r.check(s, "the incident raises exactly one critical alert",
		alerts.TruePositive == 1 && alerts.FalsePositive == 0,
		fmt.Sprintf("%d critical events, %d on the incident circuit in window",
			alerts.CriticalTotal, alerts.TruePositive))
	return nil
}

// checkConfounders judges separability once every table pass has
// contributed its share of the confounder evidence.
func (r *Runner) checkConfounders(s *Summary) {
	inc := &r.scn.Incident
	for i := range s.Confounders {
		cs := &s.Confounders[i]
		r.check(s, fmt.Sprintf("confounder %s leaves its own signal", cs.Name),
			cs.SignalMultiplier >= r.th.MinConfounderSignal,
			fmt.Sprintf("signal p95 multiplier %.2fx (want >= %.2fx)",
				cs.SignalMultiplier, r.th.MinConfounderSignal))
		r.check(s, fmt.Sprintf("confounder %s stays off the incident circuit", cs.Name),
			cs.CircuitRTTShift <= r.th.MaxConfounderShift,
			fmt.Sprintf("incident circuit rtt p95 shift %.2fx (want <= %.2fx)",
				cs.CircuitRTTShift, r.th.MaxConfounderShift))
		if scenario.ConfounderKind(cs.Kind) == scenario.ConfounderDeploymentBlip {
			r.check(s, fmt.Sprintf("confounder %s leaves corridor timeouts alone", cs.Name),
				math.Abs(cs.TimeoutRateDelta) <= r.th.MaxTimeoutDelta,
				fmt.Sprintf("%s/%s timeout rate delta %+.4f (want within %.4f)",
					inc.SrcRegion, inc.DstRegion, cs.TimeoutRateDelta, r.th.MaxTimeoutDelta))
		}
	}
}

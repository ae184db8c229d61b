package scenario

import "time"

// DatasetName names the canonical scenario and its distribution archive.
const DatasetName = "simulated_fibersqs_cross_region_latency_tso"

// Default returns the canonical FiberSQS scenario: a week of December 2025
// traffic with a degraded central→east circuit hitting provisioning
// transactions, plus a central CPU spike and a west deployment blip as
// confounders. Callers may override fields before Validate.
func Default() *Scenario {
	day := func(d, hour, min int) time.Time {
		return time.Date(2025, time.December, d, hour, min, 0, 0, time.UTC)
	}
	return &Scenario{
		Seed: 7,
		Window: Window{
			Start: day(1, 0, 0),
			End:   day(8, 0, 0),
		},
		Regions: []RegionWeight{
			{Name: "central", Weight: 0.35},
			{Name: "east", Weight: 0.25},
			{Name: "west", Weight: 0.20},
			{Name: "north", Weight: 0.10},
			{Name: "south", Weight: 0.10},
		},
		TxnTypes: []TxnType{
			{Name: "provision_fiber_sqs", Service: "fiber_sqs", Weight: 0.15, HotWeight: 0.25},
			{Name: "modify_service_profile", Service: "fiber_sqs", Weight: 0.12, HotWeight: 0.18},
			{Name: "cancel_subscription", Service: "fiber_tv", Weight: 0.08},
			{Name: "diagnostic_ping", Service: "fiber_sqs", Weight: 0.17},
			{Name: "update_billing", Service: "fiber_internet", Weight: 0.17},
			{Name: "firmware_update", Service: "fiber_internet", Weight: 0.10},
			{Name: "service_health_check", Service: "fiber_sqs", Weight: 0.15},
		},
		Incident: Incident{
			CircuitID: "CKT-CEN-EAS-003",
			SrcRegion: "central",
			DstRegion: "east",
			Start:     day(3, 12, 20),
			End:       day(5, 18, 10),
			FixTime:   day(5, 18, 15),
			AffectedTxnTypes: []string{
				"provision_fiber_sqs",
				"modify_service_profile",
			},
		},
		Confounders: []Confounder{
			{
				Name:        "central_cpu_spike",
				Kind:        ConfounderCPUSpike,
				Region:      "central",
				Start:       day(2, 9, 30),
				End:         day(2, 11, 0),
				Description: "Short CPU saturation on central hosts",
			},
			{
				Name:        "west_deployment_blip",
				Kind:        ConfounderDeploymentBlip,
				Region:      "west",
				Start:       day(6, 17, 0),
				End:         day(6, 18, 0),
				Description: "Deployment-induced latency bump in west",
			},
		},
		AppLogRows: 15_000_000,
	}
}

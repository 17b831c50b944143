package scenario

import (
	"fmt"
	"sort"
	"time"

	"github.com/g960059/schedev/internal/model"
)

// Catalog is the static table of scenario definitions. Dev-timing
// variants express dwell times in single ticks (seconds at the default
// tick) so a full lifecycle plays out while testing locally; the
// production-timing variants use the delays a real host would apply.
type Catalog struct {
	byName map[string]model.ScenarioDefinition
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{byName: map[string]model.ScenarioDefinition{}}
	for _, def := range definitions() {
		c.byName[def.Name] = def
	}
	return c
}

// Get resolves a scenario by name.
func (c *Catalog) Get(name string) (model.ScenarioDefinition, error) {
	def, ok := c.byName[name]
	if !ok {
		return model.ScenarioDefinition{}, fmt.Errorf("unknown scenario: %s", name)
	}
	return def, nil
}

// Names returns all scenario names in stable order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all definitions ordered by name.
func (c *Catalog) List() []model.ScenarioDefinition {
	defs := make([]model.ScenarioDefinition, 0, len(c.byName))
	for _, name := range c.Names() {
		defs = append(defs, c.byName[name])
	}
	return defs
}

func definitions() []model.ScenarioDefinition {
	const minute = 60

	liveMigration := model.ScenarioDefinition{
		EventType:         model.TypeFreeze,
		EventSource:       model.SourcePlatform,
		Description:       "Virtual machine is being paused because of a memory-preserving Live Migration operation.",
		DurationInSeconds: 5,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates a live migration. LMs can be triggered by the platform " +
			"in the case of host maintenance or if there is a predicted host failure.",
	}
	userReboot := model.ScenarioDefinition{
		EventType:         model.TypeReboot,
		EventSource:       model.SourceUser,
		Description:       "Virtual machine is going to be restarted as requested by authorized user.",
		DurationInSeconds: model.DurationUnknown,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates a reboot initiated by the user. This can be triggered " +
			"via the portal or CLI if you'd like to test with a real reboot.",
	}
	hostMaintenance := model.ScenarioDefinition{
		EventType:         model.TypeFreeze,
		EventSource:       model.SourcePlatform,
		Description:       "Host server is undergoing maintenance.",
		DurationInSeconds: 9,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates host maintenance, the most common reason for a scheduled " +
			"event. The VM is typically frozen for between 1 and 15 seconds, but the time between " +
			"the started and completed events is longer to allow health checks after the maintenance.",
	}
	redeploy := model.ScenarioDefinition{
		EventType:           model.TypeRedeploy,
		EventSource:         model.SourcePlatform,
		Description:         "Virtual machine has encountered a failure.",
		DurationInSeconds:   model.DurationUnknown,
		NotBeforeDelay:      15 * time.Minute,
		ScenarioDescription: "Simulates a platform-initiated redeploy due to a host failure.",
	}
	userRedeploy := model.ScenarioDefinition{
		EventType:         model.TypeRedeploy,
		EventSource:       model.SourceUser,
		Description:       "Virtual machine is going to be redeployed as requested by authorized user.",
		DurationInSeconds: model.DurationUnknown,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates a redeploy initiated by the user. This event can also be " +
			"triggered via the portal or CLI.",
	}
	canceledMaintenance := model.ScenarioDefinition{
		EventType:         model.TypeFreeze,
		EventSource:       model.SourcePlatform,
		Description:       "Host server is undergoing maintenance.",
		DurationInSeconds: 9,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates the rare case of a maintenance event that was canceled. " +
			"This can happen when other hosts receiving the same maintenance fail health checks; " +
			"pending maintenance is paused until a root cause is determined.",
	}
	spotEviction := model.ScenarioDefinition{
		EventType:         model.TypePreempt,
		EventSource:       model.SourcePlatform,
		Description:       "The Virtual Machine will be evicted.",
		DurationInSeconds: model.DurationUnknown,
		NotBeforeDelay:    15 * time.Minute,
		ScenarioDescription: "Simulates eviction of a Spot Virtual Machine. The VM is being " +
			"deleted and ephemeral disks are lost; the event is delivered on a best effort basis.",
	}

	variant := func(base model.ScenarioDefinition, name string, seq []model.StatusDwell) model.ScenarioDefinition {
		base.Name = name
		base.Sequence = seq
		return base
	}

	standard := func(scheduled, started int) []model.StatusDwell {
		return []model.StatusDwell{
			{Status: model.StatusScheduled, Dwell: scheduled},
			{Status: model.StatusStarted, Dwell: started},
			{Status: model.StatusCompleted, Dwell: 0},
		}
	}
	canceled := func(scheduled int) []model.StatusDwell {
		return []model.StatusDwell{
			{Status: model.StatusScheduled, Dwell: scheduled},
			{Status: model.StatusCanceled, Dwell: 0},
		}
	}

	return []model.ScenarioDefinition{
		variant(liveMigration, "Live Migration - Dev Timing", standard(15, 5)),
		variant(liveMigration, "Live Migration", standard(15*minute, 5*minute)),
		variant(userReboot, "User Reboot - Dev Timing", standard(15, 10)),
		variant(userReboot, "User Reboot", standard(15*minute, 10*minute)),
		variant(hostMaintenance, "Host Agent Maintenance - Dev Timing", standard(15, 10)),
		variant(hostMaintenance, "Host Agent Maintenance", standard(15*minute, 10*minute)),
		variant(redeploy, "Redeploy - Dev Timing", standard(15, 10)),
		variant(redeploy, "Redeploy", standard(15*minute, 10*minute)),
		variant(userRedeploy, "User Redeploy - Dev Timing", standard(15, 10)),
		variant(userRedeploy, "User Redeploy", standard(15*minute, 10*minute)),
		variant(canceledMaintenance, "Canceled Maintenance - Dev Timing", canceled(8)),
		variant(canceledMaintenance, "Canceled Maintenance", canceled(8*minute)),
		variant(spotEviction, "Spot Eviction", standard(15, 5)),
	}
}

package picocycler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	PICOS_LIVE      State = "PicosLive"
	RELAY_OPENING   State = "RelayOpening"
	RELAY_OPEN      State = "RelayOpen"
	RELAY_CLOSING   State = "RelayClosing"
	PICOS_REBOOTING State = "PicosRebooting"
	ALL_ZOMBIES     State = "AllZombies"
)

type Trigger string

const (
	PICO_MISSING     Trigger = "PicoMissing"
	CONFIRM_OPENED   Trigger = "ConfirmOpened"
	START_CLOSING    Trigger = "StartClosing"
	CONFIRM_CLOSED   Trigger = "ConfirmClosed"
	CONFIRM_REBOOTED Trigger = "ConfirmRebooted"
	REBOOT_DUD       Trigger = "RebootDud"
	SHAKE_ZOMBIES    Trigger = "ShakeZombies"
)

type PicoState string

const (
	PICO_ALIVE     PicoState = "Alive"
	PICO_FLATLINED PicoState = "Flatlined"
)

const (
	ZOMBIE_THRESHOLD = 3

	RELAY_OPEN_DWELL      = 5 * time.Second
	REBOOT_WINDOW         = 60 * time.Second
	SHAKE_ZOMBIES_PERIOD  = 30 * time.Minute
	DEFAULT_FLATLINE_TIME = 20 * time.Second
)

var ErrInvalidTrigger = errors.New("trigger not allowed in current state")

var transitions = map[State]map[Trigger]State{
	PICOS_LIVE:      {PICO_MISSING: RELAY_OPENING},
	RELAY_OPENING:   {CONFIRM_OPENED: RELAY_OPEN},
	RELAY_OPEN:      {START_CLOSING: RELAY_CLOSING},
	RELAY_CLOSING:   {CONFIRM_CLOSED: PICOS_REBOOTING},
	PICOS_REBOOTING: {CONFIRM_REBOOTED: PICOS_LIVE, PICO_MISSING: RELAY_OPENING, REBOOT_DUD: ALL_ZOMBIES},
	ALL_ZOMBIES:     {SHAKE_ZOMBIES: RELAY_OPENING, CONFIRM_REBOOTED: PICOS_LIVE},
}

type Transition struct {
	From      State
	To        State
	Trigger   Trigger
	TriggerId string
	At        time.Time
}

// Result is what a call produced: transitions to report upstream and picos
// that just became zombies.
type Result struct {
	Transitions []Transition
	NewZombies  []string
}

// Cycler power-cycles a set of picos sharing one relay.
type Cycler struct {
	picos        []string
	state        State
	picoStates   map[string]PicoState
	reboots      map[string]int
	warned       map[string]bool
	lastSeen     map[string]time.Time
	flatlineTime time.Duration
	triggerId    string
	newId        func() string
}

func NewCycler(picos []string, flatlineTime time.Duration, now time.Time) *Cycler {
	if flatlineTime <= 0 {
		flatlineTime = DEFAULT_FLATLINE_TIME
	}
	c := &Cycler{
		picos:        append([]string(nil), picos...),
		state:        PICOS_LIVE,
		picoStates:   make(map[string]PicoState),
		reboots:      make(map[string]int),
		warned:       make(map[string]bool),
		lastSeen:     make(map[string]time.Time),
		flatlineTime: flatlineTime,
		newId:        uuid.NewString,
	}
	sort.Strings(c.picos)
	for _, p := range c.picos {
		c.picoStates[p] = PICO_ALIVE
		c.lastSeen[p] = now
	}
	return c
}

func (c *Cycler) WithIdSource(fn func() string) *Cycler {
	c.newId = fn
	return c
}

func (c *Cycler) State() State                    { return c.state }
func (c *Cycler) Reboots(pico string) int         { return c.reboots[pico] }
func (c *Cycler) PicoState(pico string) PicoState { return c.picoStates[pico] }
func (c *Cycler) TriggerId() string               { return c.triggerId }

func (c *Cycler) IsZombie(pico string) bool {
	return c.reboots[pico] >= ZOMBIE_THRESHOLD
}

func (c *Cycler) Zombies() []string {
	var out []string
	for _, p := range c.picos {
		if c.IsZombie(p) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cycler) Flatlined() []string {
	var out []string
	for _, p := range c.picos {
		if c.picoStates[p] == PICO_FLATLINED {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cycler) fire(t Trigger, now time.Time) (Transition, error) {
	to, ok := transitions[c.state][t]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s in %s", ErrInvalidTrigger, t, c.state)
	}
	tr := Transition{From: c.state, To: to, Trigger: t, TriggerId: c.triggerId, At: now}
	c.state = to
	return tr, nil
}

// startCycle fires PicoMissing with a fresh trigger id and counts a reboot
// attempt for every flatlined pico.
func (c *Cycler) startCycle(now time.Time) (Result, error) {
	prevId := c.triggerId
	c.triggerId = c.newId()
	tr, err := c.fire(PICO_MISSING, now)
	if err != nil {
		c.triggerId = prevId
		return Result{}, err
	}
	res := Result{Transitions: []Transition{tr}}
	for _, p := range c.Flatlined() {
		c.reboots[p]++
		if c.reboots[p] >= ZOMBIE_THRESHOLD && !c.warned[p] {
			c.warned[p] = true
			res.NewZombies = append(res.NewZombies, p)
		}
	}
	return res, nil
}

// CheckFlatlines marks picos without a recent reading as flatlined and starts a
// power cycle from PicosLive when any is missing.
func (c *Cycler) CheckFlatlines(now time.Time) (Result, error) {
	for _, p := range c.picos {
		if now.Sub(c.lastSeen[p]) > c.flatlineTime {
			c.picoStates[p] = PICO_FLATLINED
		}
	}
	if c.state != PICOS_LIVE || len(c.Flatlined()) == 0 {
		return Result{}, nil
	}
	return c.startCycle(now)
}

// Observe records a reading from pico. A revived zombie has its counter cleared.
// When every flatlined pico is back during a reboot, ConfirmRebooted fires.
func (c *Cycler) Observe(pico string, now time.Time) (Result, error) {
	if _, ok := c.picoStates[pico]; !ok {
		return Result{}, nil
	}
	c.lastSeen[pico] = now
	if c.picoStates[pico] == PICO_FLATLINED {
		c.picoStates[pico] = PICO_ALIVE
		c.reboots[pico] = 0
		c.warned[pico] = false
	}
	if (c.state == PICOS_REBOOTING || c.state == ALL_ZOMBIES) && len(c.Flatlined()) == 0 {
		tr, err := c.fire(CONFIRM_REBOOTED, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Transitions: []Transition{tr}}, nil
	}
	return Result{}, nil
}

func (c *Cycler) single(t Trigger, now time.Time) (Result, error) {
	tr, err := c.fire(t, now)
	if err != nil {
		return Result{}, err
	}
	return Result{Transitions: []Transition{tr}}, nil
}

func (c *Cycler) ConfirmOpened(now time.Time) (Result, error) {
	return c.single(CONFIRM_OPENED, now)
}

func (c *Cycler) StartClosing(now time.Time) (Result, error) {
	return c.single(START_CLOSING, now)
}

func (c *Cycler) ConfirmClosed(now time.Time) (Result, error) {
	return c.single(CONFIRM_CLOSED, now)
}

// RebootTimeout ends the observation window after closing the relay.
func (c *Cycler) RebootTimeout(now time.Time) (Result, error) {
	if c.state != PICOS_REBOOTING {
		return Result{}, fmt.Errorf("%w: reboot timeout in %s", ErrInvalidTrigger, c.state)
	}
	missing := c.Flatlined()
	if len(missing) == 0 {
		return c.single(CONFIRM_REBOOTED, now)
	}
	allZombies := true
	for _, p := range missing {
		if !c.IsZombie(p) {
			allZombies = false
			break
		}
	}
	if allZombies {
		return c.single(REBOOT_DUD, now)
	}
	return c.startCycle(now)
}

// ShakeZombies retries the zombies without counting another reboot.
func (c *Cycler) ShakeZombies(now time.Time) (Result, error) {
	prevId := c.triggerId
	c.triggerId = c.newId()
	res, err := c.single(SHAKE_ZOMBIES, now)
	if err != nil {
		c.triggerId = prevId
	}
	return res, err
}

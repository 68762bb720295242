package common

const (
	ComponentReader  = "reader"
	ComponentHandler = "handler"
	ComponentWatcher = "watcher"
	ComponentEffects = "effects"
	ComponentChain   = "chain"
	ComponentStore   = "store"
)

var AllComponents = map[string]struct{}{
	ComponentReader:  {},
	ComponentHandler: {},
	ComponentWatcher: {},
	ComponentEffects: {},
	ComponentChain:   {},
	ComponentStore:   {},
}

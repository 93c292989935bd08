package core

// LockCollection is the registry of collection locks shared by every tracked collection in a database.
const LockCollection = "__vc_lock"

// names holds the internal collection names used to track a collection.
type names struct {
	log           string
	branches      string
	deltas        string
	metadata      string
	modified      string
	replica       string
	conflicts     string
	stash         string
	stashModified string
}

func collectionNames(name string) names {
	return names{
		log:           "__log_" + name,
		branches:      "__branches_" + name,
		deltas:        "__deltas_" + name,
		metadata:      "__metadata_" + name,
		modified:      "__modified_" + name,
		replica:       "__replica_" + name,
		conflicts:     "__conflicts_" + name,
		stash:         "__stash_" + name,
		stashModified: "__stash_modified_" + name,
	}
}

func (n names) all() []string {
	return []string{
		n.log,
		n.branches,
		n.deltas,
		n.metadata,
		n.modified,
		n.replica,
		n.conflicts,
		n.stash,
		n.stashModified,
	}
}

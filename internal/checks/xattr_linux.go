package checks

// Unprivileged processes may only write the user namespace.
const probeXattrName = "user.snapkeep.probe"

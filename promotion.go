package bridge

// Predicate decides whether an object of a base class should be promoted.
type Predicate func(obj Object) bool

type promotionRule struct {
	target ClassID
	test   Predicate
}

// RegisterPromotion adds a rule reclassifying fresh handles of base to target when
// test passes. Rules for one base are tried in registration order.
func (r *Registry) RegisterPromotion(base string, target string, test Predicate) error {
	if r.sealed {
		return WithStack(&RegistrationError{Name: base + "->" + target, Reason: "promotions must be registered before the first object is exposed"})
	}
	b, found := r.classes.lookup(base)
	if !found {
		return WithStack(&RegistrationError{Name: base, Reason: "class is not registered"})
	}
	t, found := r.classes.lookup(target)
	if !found {
		return WithStack(&RegistrationError{Name: target, Reason: "class is not registered"})
	}
	if b.ID == t.ID {
		return WithStack(&RegistrationError{Name: base + "->" + target, Reason: "promotion to the same class"})
	}
	if test == nil {
		return WithStack(&RegistrationError{Name: base + "->" + target, Reason: "nil predicate"})
	}
	r.promotions[b.ID] = append(r.promotions[b.ID], promotionRule{target: t.ID, test: test})
	r.promotionCount++
	return nil
}

// promote runs the rules from start to a fixpoint. In a DAG each rule fires at
// most once along the path, so more steps than rules means a cycle.
func (r *Registry) promote(obj Object, start ClassID) (ClassID, error) {
	cur := start
	for steps := 0; ; steps++ {
		if steps > r.promotionCount {
			return start, &PromotionCycleError{Class: r.classes.get(start).Name, Steps: steps}
		}
		moved := false
		for _, rule := range r.promotions[cur] {
			if rule.test(obj) {
				cur = rule.target
				moved = true
				break
			}
		}
		if !moved {
			return cur, nil
		}
	}
}

package calc

import (
	"errors"
	"testing"
)

func TestBMR(t *testing.T) {
	// Эталонные значения формулы Миффлина-Сан Жеора.
	male := BMR(GenderMale, 30, 80, 180)
	if male != 10*80+6.25*180-5*30+5 {
		t.Fatalf("BMR мужчины: получили %v", male)
	}
	female := BMR(GenderFemale, 25, 60, 165)
	if female != 10*60+6.25*165-5*25-161 {
		t.Fatalf("BMR женщины: получили %v", female)
	}
}

func TestCalculate(t *testing.T) {
	result, err := Calculate(Input{
		Gender:   GenderMale,
		Age:      30,
		Weight:   80,
		Height:   180,
		Activity: "moderate",
		Goal:     "weight_loss",
	})
	if err != nil {
		t.Fatal(err)
	}

	// BMR = 1780, поддержание = 2447.5, цель = -15% = 2080.375.
	if result.BMR != 1780 {
		t.Fatalf("BMR: ожидали 1780, получили %d", result.BMR)
	}
	if result.Calories != 2080 {
		t.Fatalf("калории: ожидали 2080, получили %d", result.Calories)
	}
	if result.Proteins != 176 {
		t.Fatalf("белки: ожидали 176, получили %d", result.Proteins)
	}
	if result.Fats != 58 {
		t.Fatalf("жиры: ожидали 58, получили %d", result.Fats)
	}
	// Остаток: (2080.375 - 176*4 - 58*9) / 4.
	if result.Carbs != 214 {
		t.Fatalf("углеводы: ожидали 214, получили %d", result.Carbs)
	}
}

func TestCalculateMaintenanceKeepsCalories(t *testing.T) {
	result, err := Calculate(Input{
		Gender:   GenderFemale,
		Age:      25,
		Weight:   60,
		Height:   165,
		Activity: "low",
		Goal:     "maintenance",
	})
	if err != nil {
		t.Fatal(err)
	}
	// BMR = 1345.25, поддержание = 1614.3.
	if result.Calories != 1614 {
		t.Fatalf("калории: ожидали 1614, получили %d", result.Calories)
	}
}

func TestValidateBounds(t *testing.T) {
	base := Input{Gender: GenderMale, Age: 30, Weight: 80, Height: 180, Activity: "low", Goal: "maintenance"}

	cases := map[string]func(Input) Input{
		"пол":        func(in Input) Input { in.Gender = "other"; return in },
		"возраст":    func(in Input) Input { in.Age = 14; return in },
		"вес":        func(in Input) Input { in.Weight = 250; return in },
		"рост":       func(in Input) Input { in.Height = 120; return in },
		"активность": func(in Input) Input { in.Activity = "extreme"; return in },
		"цель":       func(in Input) Input { in.Goal = "bulk"; return in },
	}
	for name, mutate := range cases {
		if _, err := Calculate(mutate(base)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: ожидали ErrInvalidInput, получили %v", name, err)
		}
	}
}
